package attachment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/model"
)

func TestAccepts(t *testing.T) {
	enc := attachment.NewEncoder(0)
	tests := []struct {
		name string
		file model.LocalFile
		want bool
	}{
		{"png", model.LocalFile{Name: "a.png", MimeType: "image/png", Size: 1024}, true},
		{"pdf", model.LocalFile{Name: "a.pdf", MimeType: "application/pdf", Size: 1024}, true},
		{"text with charset", model.LocalFile{Name: "a.txt", MimeType: "text/plain; charset=utf-8", Size: 3}, true},
		{"doc", model.LocalFile{Name: "a.doc", MimeType: "application/msword", Size: 3}, true},
		{"docx", model.LocalFile{Name: "a.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Size: 3}, true},
		{"sniffed from extension", model.LocalFile{Name: "quote.pdf", Size: 3}, true},
		{"exactly 10 MiB", model.LocalFile{Name: "big.png", MimeType: "image/png", Size: 10 << 20}, true},
		{"over 10 MiB", model.LocalFile{Name: "huge.png", MimeType: "image/png", Size: 12 << 20}, false},
		{"zip", model.LocalFile{Name: "a.zip", MimeType: "application/zip", Size: 3}, false},
		{"no type no extension", model.LocalFile{Name: "blob", Size: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, enc.Accepts(tt.file))
		})
	}
}

func TestFilterDropsRejectedAndKeepsOrder(t *testing.T) {
	enc := attachment.NewEncoder(0)
	files := []model.LocalFile{
		{Name: "huge.png", MimeType: "image/png", Size: 12 << 20},
		{Name: "quote.pdf", MimeType: "application/pdf", Size: 2 << 20},
		{Name: "a.exe", MimeType: "application/x-msdownload", Size: 10},
		{Name: "notes.txt", Data: []byte("hello")},
	}

	got := enc.Filter(files)

	require.Len(t, got, 2)
	assert.Equal(t, "quote.pdf", got[0].Name)
	assert.Equal(t, "notes.txt", got[1].Name)
	assert.Equal(t, int64(5), got[1].Size)
	assert.Contains(t, got[1].MimeType, "text/plain")
}

func TestPreviewRegistryLifecycle(t *testing.T) {
	r := attachment.NewPreviewRegistry()

	_, ok := r.Create(model.LocalFile{Name: "a.pdf", MimeType: "application/pdf"})
	assert.False(t, ok)

	u1, ok := r.Create(model.LocalFile{Name: "a.png", MimeType: "image/png", Data: []byte("png")})
	require.True(t, ok)
	u2, _ := r.Create(model.LocalFile{Name: "b.jpg", MimeType: "image/jpeg"})
	assert.True(t, attachment.IsObjectURL(u1))
	assert.NotEqual(t, u1, u2)
	assert.Equal(t, 2, r.Len())

	p, ok := r.Resolve(u1)
	require.True(t, ok)
	assert.Equal(t, "image/png", p.MimeType)
	assert.Equal(t, []byte("png"), p.Data)

	r.Revoke(u1)
	r.Revoke(u1)
	_, ok = r.Resolve(u1)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.RevokeAll())
	assert.Equal(t, 0, r.Len())
}
