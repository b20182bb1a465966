// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/internal/repository"
	"bmw-assistant-go/internal/speech"
	"bmw-assistant-go/pkg/events"
	"bmw-assistant-go/pkg/llm"
	"bmw-assistant-go/pkg/log"
)

var (
	// ErrBusy 表示已有发送、重试或上传在进行中。
	ErrBusy = errors.New("a request is already in flight")
	// ErrNothingToSend 表示文本为空且没有可用附件。
	ErrNothingToSend = errors.New("nothing to send")
	// ErrNotRetryable 表示消息不存在或不是失败的用户消息。
	ErrNotRetryable = errors.New("message is not a failed user message")
	// ErrNotSpeakable 表示下标不对应一条助手消息。
	ErrNotSpeakable = errors.New("message is not a speakable assistant message")
)

const publishTimeout = 3 * time.Second

// persistOp 是待写入存储的操作，后到的操作覆盖先到的。
type persistOp int

const (
	persistNone persistOp = iota
	persistSave
	persistClear
)

// Uploader 将本地文件解析为附件，输出与输入等长。
type Uploader interface {
	Run(ctx context.Context, files []model.LocalFile, localPreviews []string) []model.Attachment
}

// SessionOptions 是创建 SessionManager 所需的依赖。
type SessionOptions struct {
	ClientID  string
	Encoder   *attachment.Encoder
	Previews  *attachment.PreviewRegistry
	Uploader  Uploader
	Completer llm.Client
	Repo      repository.ConversationRepository
	Publisher events.Publisher
	Locale    string
	Greeting  string
	Apology   string
}

// SessionManager 是消息记录的唯一所有者。
// 同一时间只允许一个发送或重试在进行，其余请求直接返回 ErrBusy。
// 互斥锁只保护内存状态，网络请求期间不持有。
type SessionManager struct {
	opts SessionOptions

	mu        sync.Mutex
	messages  []model.Message
	draft     string
	busy      bool
	loading   bool
	uploading bool
	open      bool
	bridge    *speech.Bridge
	subs      map[int]func(model.Snapshot)
	nextSub   int
	disposed  bool

	// 同一时间只有一个 goroutine 写存储，其余写请求合并为 pending。
	pending  persistOp
	flushing bool
}

// NewSessionManager 创建一个新的 SessionManager 实例，调用 Init 之前只有一条欢迎语。
func NewSessionManager(opts SessionOptions) *SessionManager {
	if opts.Encoder == nil {
		opts.Encoder = attachment.NewEncoder(0)
	}
	if opts.Previews == nil {
		opts.Previews = attachment.NewPreviewRegistry()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop()
	}
	if opts.Greeting == "" {
		opts.Greeting = model.DefaultGreeting
	}
	if opts.Apology == "" {
		opts.Apology = model.DefaultApology
	}
	s := &SessionManager{
		opts:     opts,
		messages: []model.Message{model.NewAssistantMessage(opts.Greeting, nil)},
		subs:     make(map[int]func(model.Snapshot)),
	}
	s.bridge = s.newBridge(nil, nil)
	return s
}

// Init 从持久化存储恢复消息记录。
// 上次会话中仍处于 sending 的消息无法恢复原请求，一律标记为 failed。
func (s *SessionManager) Init(ctx context.Context) {
	msgs := s.opts.Repo.Load(ctx)

	reconciled := false
	for i := range msgs {
		if msgs[i].IsUser() && msgs[i].Status == model.StatusSending {
			_ = msgs[i].SetStatus(model.StatusFailed)
			reconciled = true
		}
	}
	if reconciled && msgs[len(msgs)-1].IsUser() {
		msgs = append(msgs, model.NewAssistantMessage(s.opts.Apology, nil))
	}

	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()

	if reconciled {
		log.Warnf("[SessionManager] 面板 %s 存在未完成的请求, 已标记为 failed", s.opts.ClientID)
		s.persist(ctx, persistSave)
	}
	s.notify()
}

// Dispose 停止语音、移除订阅并释放全部本地预览。进行中的请求仍会完成并写入记录。
func (s *SessionManager) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.subs = make(map[int]func(model.Snapshot))
	bridge := s.bridge
	s.mu.Unlock()

	bridge.Close()
	n := s.opts.Previews.RevokeAll()
	log.Infof("[SessionManager] 面板 %s 已销毁, 释放预览 %d 个", s.opts.ClientID, n)
}

// Send 发送一条用户消息并阻塞到本轮请求结束。
// 投递失败不会作为错误返回，而是体现为消息状态与致歉回复。
func (s *SessionManager) Send(ctx context.Context, text string, files []model.LocalFile) error {
	accepted, err := s.begin(text, files)
	if err != nil {
		return err
	}
	s.run(ctx, text, accepted)
	return nil
}

// SendAsync 同步完成校验并占用请求名额，随后在后台完成发送。
// 后台使用独立的 context，关闭面板不会中断网络请求。
func (s *SessionManager) SendAsync(text string, files []model.LocalFile) error {
	accepted, err := s.begin(text, files)
	if err != nil {
		return err
	}
	go s.run(context.Background(), text, accepted)
	return nil
}

// begin 过滤附件、占用请求名额、清空输入框并停止语音输入。
func (s *SessionManager) begin(text string, files []model.LocalFile) ([]model.LocalFile, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return nil, ErrNothingToSend
	}
	accepted := s.opts.Encoder.Filter(files)
	if text == "" && len(accepted) == 0 {
		return nil, ErrNothingToSend
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.draft = ""
	bridge := s.bridge
	s.mu.Unlock()

	bridge.StopListening()
	s.notify()
	return accepted, nil
}

func (s *SessionManager) run(ctx context.Context, text string, files []model.LocalFile) {
	defer s.release()

	var attachments []model.Attachment
	if len(files) > 0 {
		attachments = s.upload(ctx, files)
	}

	msg := model.NewUserMessage(text, attachments)
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.loading = true
	snapshot := model.CloneMessages(s.messages)
	s.mu.Unlock()

	s.persist(ctx, persistSave)
	s.notify()
	s.deliver(ctx, msg.ID, snapshot)
}

func (s *SessionManager) upload(ctx context.Context, files []model.LocalFile) []model.Attachment {
	previews := make([]string, len(files))
	for i, f := range files {
		if u, ok := s.opts.Previews.Create(f); ok {
			previews[i] = u
		}
	}

	s.setUploading(true)
	defer s.setUploading(false)
	return s.opts.Uploader.Run(ctx, files, previews)
}

// Retry 重新发送一条失败的用户消息，该消息之后的记录会被丢弃。
func (s *SessionManager) Retry(ctx context.Context, id string) error {
	snapshot, err := s.beginRetry(ctx, id)
	if err != nil {
		return err
	}
	defer s.release()
	s.deliver(ctx, id, snapshot)
	return nil
}

// RetryAsync 同步完成校验，随后在后台重新发送。
func (s *SessionManager) RetryAsync(id string) error {
	ctx := context.Background()
	snapshot, err := s.beginRetry(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		defer s.release()
		s.deliver(ctx, id, snapshot)
	}()
	return nil
}

func (s *SessionManager) beginRetry(ctx context.Context, id string) ([]model.Message, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	idx := s.indexOf(id)
	if idx < 0 || !s.messages[idx].IsUser() || s.messages[idx].Status != model.StatusFailed {
		s.mu.Unlock()
		return nil, ErrNotRetryable
	}
	s.busy = true
	s.loading = true

	discarded := s.messages[idx+1:]
	kept := make([]model.Message, idx+1)
	copy(kept, s.messages[:idx+1])
	_ = kept[idx].SetStatus(model.StatusSending)
	s.messages = kept
	snapshot := model.CloneMessages(kept)
	attachments := len(kept[idx].Attachments)
	bridge := s.bridge
	s.mu.Unlock()

	for _, m := range discarded {
		s.revokePreviews(m)
	}
	if i, ok := bridge.SpeakingIndex(); ok && i > idx {
		bridge.StopSpeaking()
	}
	s.persist(ctx, persistSave)
	s.notify()
	s.publish(events.DeliveryEvent{MessageID: id, Kind: events.KindRetry, Attachments: attachments})
	return snapshot, nil
}

// deliver 发送完整记录并根据结果更新消息 id 的状态。
func (s *SessionManager) deliver(ctx context.Context, id string, transcript []model.Message) {
	reply, err := s.opts.Completer.Complete(ctx, toOutbound(transcript))
	if err == nil && (reply == nil || strings.TrimSpace(reply.Content) == "") {
		err = fmt.Errorf("%w: empty reply", llm.ErrUnsuccessful)
	}

	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		log.Warnf("[SessionManager] 消息 %s 已被清除, 丢弃本次回复", id)
		return
	}
	e := events.DeliveryEvent{MessageID: id, Attachments: len(s.messages[idx].Attachments)}
	if err != nil {
		_ = s.messages[idx].SetStatus(model.StatusFailed)
		s.messages = append(s.messages, model.NewAssistantMessage(s.opts.Apology, nil))
		e.Kind = events.KindFailed
		e.Error = err.Error()
	} else {
		_ = s.messages[idx].SetStatus(model.StatusDelivered)
		s.messages = append(s.messages, model.NewAssistantMessage(reply.Content, reply.Products))
		e.Kind = events.KindDelivered
	}
	s.loading = false
	s.mu.Unlock()

	if err != nil {
		log.Errorf("[SessionManager] 消息 %s 投递失败: %v", id, err)
	} else {
		log.Infof("[SessionManager] 消息 %s 投递成功", id)
	}
	s.persist(ctx, persistSave)
	s.notify()
	s.publish(e)
}

func (s *SessionManager) release() {
	s.mu.Lock()
	s.busy = false
	s.loading = false
	s.uploading = false
	s.mu.Unlock()
	s.notify()
}

func (s *SessionManager) setUploading(v bool) {
	s.mu.Lock()
	s.uploading = v
	s.mu.Unlock()
	s.notify()
}

// Clear 将记录重置为一条新的欢迎语，释放全部预览并删除持久化数据。
func (s *SessionManager) Clear(ctx context.Context) {
	s.mu.Lock()
	s.messages = []model.Message{model.NewAssistantMessage(s.opts.Greeting, nil)}
	bridge := s.bridge
	s.mu.Unlock()

	bridge.StopSpeaking()
	s.opts.Previews.RevokeAll()
	s.persist(ctx, persistClear)
	s.notify()
}

// Messages 返回消息记录的副本。
func (s *SessionManager) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMessages(s.messages)
}

// Message 按 ID 查找消息。
func (s *SessionManager) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOf(id); idx >= 0 {
		return s.messages[idx].Clone(), true
	}
	return model.Message{}, false
}

// Loading 表示是否有对话请求在进行。
func (s *SessionManager) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Busy 表示是否有发送、重试或上传在进行。
func (s *SessionManager) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Uploading 表示是否正在上传附件。
func (s *SessionManager) Uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploading
}

// Draft 返回输入框内容。
func (s *SessionManager) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft 替换输入框内容。
func (s *SessionManager) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
	s.notify()
}

// appendTranscript 将识别结果以空格拼接到输入框末尾。
func (s *SessionManager) appendTranscript(transcript string) {
	s.mu.Lock()
	if prev := strings.TrimSpace(s.draft); prev != "" {
		s.draft = prev + " " + transcript
	} else {
		s.draft = transcript
	}
	s.mu.Unlock()
	s.notify()
}

// SetOpen 切换面板可见性，关闭时停止语音输入与播放，不影响进行中的请求。
func (s *SessionManager) SetOpen(open bool) {
	s.mu.Lock()
	s.open = open
	bridge := s.bridge
	s.mu.Unlock()

	if !open {
		bridge.StopListening()
		bridge.StopSpeaking()
	}
	s.notify()
}

// ToggleListening 切换语音输入，请求进行中时不允许开始识别。
func (s *SessionManager) ToggleListening() error {
	s.mu.Lock()
	bridge := s.bridge
	busy := s.busy
	s.mu.Unlock()

	if bridge.Listening() {
		bridge.StopListening()
		return nil
	}
	if busy {
		return ErrBusy
	}
	bridge.StartListening()
	return nil
}

// Speak 朗读下标为 index 的助手消息，再次调用同一下标会停止播放。
func (s *SessionManager) Speak(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) || s.messages[index].Role != model.RoleAssistant {
		s.mu.Unlock()
		return ErrNotSpeakable
	}
	text := s.messages[index].Content
	bridge := s.bridge
	s.mu.Unlock()

	bridge.Speak(text, index)
	return nil
}

// AttachSpeech 替换语音能力，nil 表示不支持。原有的识别与播放会被停止。
// 返回的 detach 仅在这组能力仍处于挂载状态时将其卸下。
func (s *SessionManager) AttachSpeech(rec speech.Recognizer, synth speech.Synthesizer) (detach func()) {
	next := s.newBridge(rec, synth)
	s.swapBridge(nil, next)
	return func() {
		s.swapBridge(next, s.newBridge(nil, nil))
	}
}

// swapBridge 将当前 bridge 替换为 next；expected 非 nil 时仅在当前 bridge 等于 expected 时替换。
func (s *SessionManager) swapBridge(expected, next *speech.Bridge) {
	s.mu.Lock()
	prev := s.bridge
	if expected != nil && prev != expected {
		s.mu.Unlock()
		return
	}
	s.bridge = next
	s.mu.Unlock()

	prev.Close()
	s.notify()
}

// Preview 返回本面板持有的本地预览数据。
func (s *SessionManager) Preview(ref string) (attachment.Preview, bool) {
	return s.opts.Previews.Resolve(ref)
}

func (s *SessionManager) newBridge(rec speech.Recognizer, synth speech.Synthesizer) *speech.Bridge {
	return speech.NewBridge(speech.Options{
		Recognizer:   rec,
		Synthesizer:  synth,
		Locale:       s.opts.Locale,
		OnTranscript: s.appendTranscript,
		OnChange:     s.notify,
	})
}

// Snapshot 返回界面渲染所需的完整状态。
func (s *SessionManager) Snapshot() model.Snapshot {
	s.mu.Lock()
	snap := model.Snapshot{
		Messages:  model.CloneMessages(s.messages),
		Draft:     s.draft,
		Loading:   s.loading,
		Uploading: s.uploading,
		Open:      s.open,
	}
	bridge := s.bridge
	s.mu.Unlock()

	snap.Listening = bridge.Listening()
	snap.SpeakingIndex = -1
	if idx, ok := bridge.SpeakingIndex(); ok {
		snap.SpeakingIndex = idx
	}
	snap.RecognitionSupported = bridge.RecognitionSupported()
	snap.SynthesisSupported = bridge.SynthesisSupported()
	return snap
}

// Subscribe 注册状态变化回调，返回取消订阅的函数。回调可能在任意 goroutine 上触发。
func (s *SessionManager) Subscribe(fn func(model.Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SessionManager) notify() {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]func(model.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	snap := s.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *SessionManager) publish(e events.DeliveryEvent) {
	e.ClientID = s.opts.ClientID
	e.Timestamp = time.Now().UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.opts.Publisher.Publish(ctx, e); err != nil {
		log.Warnf("[SessionManager] 投递事件发送失败, message: %s, error: %v", e.MessageID, err)
	}
}

// persist 将当前内存中的记录写入存储。
// 已有写操作进行时只登记 op 并立即返回，由进行中的写操作在结束后写入最新状态，
// 因此存储中最后落盘的总是最新的记录。
func (s *SessionManager) persist(ctx context.Context, op persistOp) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.pending = op
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for s.pending != persistNone {
		next := s.pending
		s.pending = persistNone
		snapshot := model.CloneMessages(s.messages)
		s.mu.Unlock()

		if next == persistClear {
			s.opts.Repo.Clear(ctx)
		} else {
			s.opts.Repo.Save(ctx, snapshot)
		}

		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func (s *SessionManager) revokePreviews(m model.Message) {
	for _, a := range m.Attachments {
		if attachment.IsObjectURL(a.PreviewURL) {
			s.opts.Previews.Revoke(a.PreviewURL)
		}
	}
}

// indexOf 需在持有锁时调用。
func (s *SessionManager) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// toOutbound 将记录转换为对话接口的请求格式，附件只保留 name/type/content。
func toOutbound(msgs []model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: string(m.Role), Content: m.Content}
		for _, a := range m.Attachments {
			lm.Attachments = append(lm.Attachments, llm.Attachment(a.Outbound()))
		}
		out = append(out, lm)
	}
	return out
}
