package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/internal/pipeline"
	"bmw-assistant-go/internal/repository"
	"bmw-assistant-go/internal/service"
	"bmw-assistant-go/pkg/events"
	"bmw-assistant-go/pkg/ingest"
	"bmw-assistant-go/pkg/llm"
)

type fakeCompleter struct {
	mu       sync.Mutex
	calls    [][]llm.Message
	complete func(n int) (*llm.Reply, error)
	gate     chan struct{}
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []llm.Message) (*llm.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	n := len(f.calls)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.complete(n)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) lastCall() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func replyWith(content string) func(int) (*llm.Reply, error) {
	return func(int) (*llm.Reply, error) { return &llm.Reply{Content: content}, nil }
}

func failWith(err error) func(int) (*llm.Reply, error) {
	return func(int) (*llm.Reply, error) { return nil, err }
}

type fakeIngest struct {
	upload func(name string) (*ingest.Result, error)
}

func (f fakeIngest) Upload(_ context.Context, name, _ string, _ []byte) (*ingest.Result, error) {
	return f.upload(name)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DeliveryEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e events.DeliveryEvent) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	sm        *service.SessionManager
	completer *fakeCompleter
	store     repository.KeyValueStore
	repo      repository.ConversationRepository
	previews  *attachment.PreviewRegistry
	publisher *recordingPublisher
}

func newHarness(t *testing.T, completer *fakeCompleter, ing ingest.Client) *harness {
	t.Helper()
	if ing == nil {
		ing = fakeIngest{upload: func(name string) (*ingest.Result, error) {
			return &ingest.Result{URL: "https://files/" + name, Content: "content of " + name}, nil
		}}
	}
	store := repository.NewMemoryStore()
	repo := repository.NewConversationRepository(store, "bmw:chat:messages:c-1", "")
	previews := attachment.NewPreviewRegistry()
	pub := &recordingPublisher{}
	sm := service.NewSessionManager(service.SessionOptions{
		ClientID:  "c-1",
		Encoder:   attachment.NewEncoder(0),
		Previews:  previews,
		Uploader:  pipeline.NewProcessor(ing, previews),
		Completer: completer,
		Repo:      repo,
		Publisher: pub,
	})
	sm.Init(context.Background())
	return &harness{sm: sm, completer: completer, store: store, repo: repo, previews: previews, publisher: pub}
}

func (h *harness) persisted(t *testing.T) []model.Message {
	t.Helper()
	raw, err := h.store.Get(context.Background(), "bmw:chat:messages:c-1")
	require.NoError(t, err)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(raw, &msgs))
	return msgs
}

func waitIdle(t *testing.T, sm *service.SessionManager) {
	t.Helper()
	require.Eventually(t, func() bool { return !sm.Loading() && !sm.Uploading() }, 2*time.Second, 5*time.Millisecond)
}

func TestInitWithoutHistoryShowsGreeting(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("x")}, nil)

	msgs := h.sm.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, model.DefaultGreeting, msgs[0].Content)
}

func TestSendDelivered(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("Heritage Red is $45/m²")}, nil)
	h.sm.SetDraft("red brick under $50")

	require.NoError(t, h.sm.Send(context.Background(), "red brick under $50", nil))

	msgs := h.sm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "red brick under $50", msgs[1].Content)
	assert.Equal(t, model.StatusDelivered, msgs[1].Status)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Heritage Red is $45/m²", msgs[2].Content)
	assert.Empty(t, msgs[2].Status)
	assert.Empty(t, h.sm.Draft())
	assert.False(t, h.sm.Loading())

	sent := h.completer.lastCall()
	require.Len(t, sent, 2)
	assert.Equal(t, "assistant", sent[0].Role)
	assert.Equal(t, "user", sent[1].Role)
	assert.Equal(t, "red brick under $50", sent[1].Content)

	assert.Equal(t, msgs, h.persisted(t))
	assert.Equal(t, []events.Kind{events.KindDelivered}, h.publisher.kinds())
}

func TestSendServerErrorAppendsApology(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: failWith(fmt.Errorf("%w: status 500", llm.ErrUnsuccessful))}, nil)
	h.sm.SetDraft("red brick under $50")

	require.NoError(t, h.sm.Send(context.Background(), "red brick under $50", nil))

	msgs := h.sm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.StatusFailed, msgs[1].Status)
	assert.Equal(t, model.DefaultApology, msgs[2].Content)
	assert.Empty(t, h.sm.Draft(), "compose buffer is not restored")
	assert.Equal(t, msgs, h.persisted(t))
	assert.Equal(t, []events.Kind{events.KindFailed}, h.publisher.kinds())
}

func TestEverySendEndsInPairOrApology(t *testing.T) {
	completer := &fakeCompleter{complete: func(n int) (*llm.Reply, error) {
		if n%2 == 0 {
			return nil, errors.New("connection reset")
		}
		return &llm.Reply{Content: "ok"}, nil
	}}
	h := newHarness(t, completer, nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, h.sm.Send(context.Background(), fmt.Sprintf("q%d", i), nil))

		msgs := h.sm.Messages()
		user, reply := msgs[len(msgs)-2], msgs[len(msgs)-1]
		assert.True(t, user.IsUser())
		assert.Equal(t, model.RoleAssistant, reply.Role)
		if user.Status == model.StatusFailed {
			assert.Equal(t, model.DefaultApology, reply.Content)
		} else {
			assert.Equal(t, model.StatusDelivered, user.Status)
		}
	}
	assert.Len(t, h.sm.Messages(), 13)
}

func TestSendRejectsEmptyAndBusy(t *testing.T) {
	completer := &fakeCompleter{complete: replyWith("ok"), gate: make(chan struct{})}
	h := newHarness(t, completer, nil)

	assert.ErrorIs(t, h.sm.Send(context.Background(), "   ", nil), service.ErrNothingToSend)
	tooBig := model.LocalFile{Name: "huge.png", MimeType: "image/png", Size: 12 << 20}
	assert.ErrorIs(t, h.sm.Send(context.Background(), "", []model.LocalFile{tooBig}), service.ErrNothingToSend)

	require.NoError(t, h.sm.SendAsync("first", nil))
	require.Eventually(t, func() bool { return completer.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.sm.Loading())
	assert.ErrorIs(t, h.sm.SendAsync("second", nil), service.ErrBusy)

	close(completer.gate)
	waitIdle(t, h.sm)
	assert.Equal(t, 1, completer.callCount())
	assert.Len(t, h.sm.Messages(), 3)
}

func TestPendingMessageIsPersistedBeforeReply(t *testing.T) {
	completer := &fakeCompleter{complete: replyWith("ok"), gate: make(chan struct{})}
	h := newHarness(t, completer, nil)

	require.NoError(t, h.sm.SendAsync("anyone there?", nil))
	require.Eventually(t, func() bool { return completer.callCount() == 1 }, time.Second, 5*time.Millisecond)

	stored := h.persisted(t)
	require.Len(t, stored, 2)
	assert.Equal(t, model.StatusSending, stored[1].Status)

	close(completer.gate)
	waitIdle(t, h.sm)
}

func TestOversizedImageDroppedAndFailedUploadStillSends(t *testing.T) {
	completer := &fakeCompleter{complete: replyWith("got it")}
	ing := fakeIngest{upload: func(string) (*ingest.Result, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	h := newHarness(t, completer, ing)

	files := []model.LocalFile{
		{Name: "huge.png", MimeType: "image/png", Size: 12 << 20},
		{Name: "quote.pdf", MimeType: "application/pdf", Size: 2 << 20, Data: []byte("%PDF")},
	}
	require.NoError(t, h.sm.Send(context.Background(), "", files))

	msgs := h.sm.Messages()
	require.Len(t, msgs, 3)
	user := msgs[1]
	require.Len(t, user.Attachments, 1)
	a := user.Attachments[0]
	assert.Equal(t, "quote.pdf", a.Name)
	assert.Empty(t, a.RemoteURL)
	assert.Contains(t, a.ExtractedContent, `[Attachment "quote.pdf" (application/pdf, 2.0 MB) could not be processed:`)
	assert.Equal(t, "Sent 1 attachment(s): quote.pdf", user.Content)
	assert.Equal(t, model.StatusDelivered, user.Status)

	sent := completer.lastCall()
	require.Len(t, sent[1].Attachments, 1)
	assert.Equal(t, a.ExtractedContent, sent[1].Attachments[0].Content)
}

func TestImagePreviewIsTrackedAndNotPersisted(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("nice tile")}, nil)

	img := model.LocalFile{Name: "tile.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	require.NoError(t, h.sm.Send(context.Background(), "like this?", []model.LocalFile{img}))

	msgs := h.sm.Messages()
	a := msgs[1].Attachments[0]
	assert.True(t, attachment.IsObjectURL(a.PreviewURL))
	assert.Equal(t, "https://files/tile.png", a.RemoteURL)
	assert.Equal(t, 1, h.previews.Len())

	stored := h.persisted(t)
	assert.Empty(t, stored[1].Attachments[0].PreviewURL)

	h.sm.Clear(context.Background())
	assert.Equal(t, 0, h.previews.Len())
}

func TestRetryPreservesPrefix(t *testing.T) {
	completer := &fakeCompleter{complete: func(n int) (*llm.Reply, error) {
		if n == 2 {
			return nil, fmt.Errorf("%w: status 502", llm.ErrUnsuccessful)
		}
		return &llm.Reply{Content: fmt.Sprintf("reply %d", n)}, nil
	}}
	h := newHarness(t, completer, nil)
	require.NoError(t, h.sm.Send(context.Background(), "first", nil))
	require.NoError(t, h.sm.Send(context.Background(), "second", nil))

	before := h.sm.Messages()
	require.Len(t, before, 5)
	failed := before[3]
	require.Equal(t, model.StatusFailed, failed.Status)

	completer.gate = make(chan struct{})
	require.NoError(t, h.sm.RetryAsync(failed.ID))
	require.Eventually(t, func() bool { return completer.callCount() == 3 }, time.Second, 5*time.Millisecond)

	during := h.sm.Messages()
	require.Len(t, during, 4)
	assert.Equal(t, before[:3], during[:3])
	expected := failed.Clone()
	expected.Status = model.StatusSending
	assert.Equal(t, expected, during[3])
	assert.Equal(t, during, h.persisted(t))

	sent := completer.lastCall()
	require.Len(t, sent, 4)
	assert.Equal(t, "second", sent[3].Content)

	close(completer.gate)
	waitIdle(t, h.sm)

	after := h.sm.Messages()
	require.Len(t, after, 5)
	assert.Equal(t, model.StatusDelivered, after[3].Status)
	assert.Equal(t, "reply 3", after[4].Content)
	assert.Equal(t, []events.Kind{events.KindDelivered, events.KindFailed, events.KindRetry, events.KindDelivered}, h.publisher.kinds())
}

func TestDoubleRetryWhileInFlightIssuesOneRequest(t *testing.T) {
	completer := &fakeCompleter{complete: failWith(errors.New("timeout"))}
	h := newHarness(t, completer, nil)
	require.NoError(t, h.sm.Send(context.Background(), "hello", nil))
	failed := h.sm.Messages()[1]

	completer.complete = replyWith("back online")
	completer.gate = make(chan struct{})
	require.NoError(t, h.sm.RetryAsync(failed.ID))
	assert.ErrorIs(t, h.sm.RetryAsync(failed.ID), service.ErrBusy)

	close(completer.gate)
	waitIdle(t, h.sm)
	assert.Equal(t, 2, completer.callCount())
	assert.Len(t, h.sm.Messages(), 3)
}

func TestRetryRejectsNonFailedMessages(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("ok")}, nil)
	require.NoError(t, h.sm.Send(context.Background(), "hello", nil))
	msgs := h.sm.Messages()

	assert.ErrorIs(t, h.sm.Retry(context.Background(), "missing"), service.ErrNotRetryable)
	assert.ErrorIs(t, h.sm.Retry(context.Background(), msgs[0].ID), service.ErrNotRetryable)
	assert.ErrorIs(t, h.sm.Retry(context.Background(), msgs[1].ID), service.ErrNotRetryable)
	assert.Equal(t, msgs, h.sm.Messages())
}

func TestClearResetsToGreetingAndErasesStorage(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("ok")}, nil)
	require.NoError(t, h.sm.Send(context.Background(), "hello", nil))

	h.sm.Clear(context.Background())

	msgs := h.sm.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DefaultGreeting, msgs[0].Content)
	_, err := h.store.Get(context.Background(), "bmw:chat:messages:c-1")
	assert.ErrorIs(t, err, repository.ErrKeyNotFound)
}

func TestInitReconcilesInterruptedSend(t *testing.T) {
	store := repository.NewMemoryStore()
	repo := repository.NewConversationRepository(store, "k", "")
	pending := model.NewUserMessage("still there?", nil)
	repo.Save(context.Background(), []model.Message{model.NewAssistantMessage(model.DefaultGreeting, nil), pending})

	sm := service.NewSessionManager(service.SessionOptions{
		Uploader:  pipeline.NewProcessor(fakeIngest{}, nil),
		Completer: &fakeCompleter{complete: replyWith("ok")},
		Repo:      repo,
	})
	sm.Init(context.Background())

	msgs := sm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.StatusFailed, msgs[1].Status)
	assert.Equal(t, model.DefaultApology, msgs[2].Content)
	assert.Equal(t, model.StatusFailed, repo.Load(context.Background())[1].Status)

	require.NoError(t, sm.Retry(context.Background(), pending.ID))
	assert.Equal(t, model.StatusDelivered, sm.Messages()[1].Status)
}

func TestSubscribersSeeLoadingTransitions(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("ok")}, nil)

	var sawLoading atomic.Bool
	var last atomic.Value
	unsubscribe := h.sm.Subscribe(func(s model.Snapshot) {
		if s.Loading {
			sawLoading.Store(true)
		}
		last.Store(s)
	})
	require.NoError(t, h.sm.Send(context.Background(), "hello", nil))
	unsubscribe()

	assert.True(t, sawLoading.Load())
	final := last.Load().(model.Snapshot)
	assert.False(t, final.Loading)
	assert.Len(t, final.Messages, 3)
	assert.Equal(t, -1, final.SpeakingIndex)
	assert.False(t, final.RecognitionSupported)
}

// gatedStore 在 arm 之后的下一次 Set 上阻塞，直到 release 被关闭。
type gatedStore struct {
	repository.KeyValueStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		KeyValueStore: repository.NewMemoryStore(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return g.KeyValueStore.Set(ctx, key, value)
}

func TestClearDuringSlowSaveStaysCleared(t *testing.T) {
	store := newGatedStore()
	repo := repository.NewConversationRepository(store, "k", "")
	completer := &fakeCompleter{complete: replyWith("ok"), gate: make(chan struct{})}
	sm := service.NewSessionManager(service.SessionOptions{
		Uploader:  pipeline.NewProcessor(fakeIngest{}, nil),
		Completer: completer,
		Repo:      repo,
	})
	sm.Init(context.Background())

	require.NoError(t, sm.SendAsync("hello", nil))
	require.Eventually(t, sm.Loading, time.Second, 5*time.Millisecond)

	store.arm()
	close(completer.gate)
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reply was never saved")
	}

	sm.Clear(context.Background())
	require.Len(t, sm.Messages(), 1)
	close(store.release)

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "k")
		return errors.Is(err, repository.ErrKeyNotFound)
	}, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, sm)

	reloaded := repo.Load(context.Background())
	require.Len(t, reloaded, 1)
	assert.Equal(t, model.DefaultGreeting, reloaded[0].Content)
}

func TestEmptyReplyBecomesFailure(t *testing.T) {
	h := newHarness(t, &fakeCompleter{complete: replyWith("   ")}, nil)

	require.NoError(t, h.sm.Send(context.Background(), "hi", nil))

	msgs := h.sm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.StatusFailed, msgs[1].Status)
	assert.Equal(t, model.DefaultApology, msgs[2].Content)
	for _, m := range h.persisted(t) {
		assert.NotEmpty(t, m.Content)
	}
	assert.Equal(t, []events.Kind{events.KindFailed}, h.publisher.kinds())
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (brokenStore) Set(context.Context, string, []byte) error { return errors.New("down") }
func (brokenStore) Delete(context.Context, string) error { return errors.New("down") }

func TestSessionKeepsWorkingWhenStorageFails(t *testing.T) {
	sm := service.NewSessionManager(service.SessionOptions{
		Uploader:  pipeline.NewProcessor(fakeIngest{}, nil),
		Completer: &fakeCompleter{complete: replyWith("still here")},
		Repo:      repository.NewConversationRepository(brokenStore{}, "k", ""),
	})
	sm.Init(context.Background())

	require.NoError(t, sm.Send(context.Background(), "hello", nil))
	msgs := sm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.StatusDelivered, msgs[1].Status)
	assert.Equal(t, "still here", msgs[2].Content)

	sm.Clear(context.Background())
	assert.Len(t, sm.Messages(), 1)
}
