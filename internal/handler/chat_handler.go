package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/internal/service"
	"bmw-assistant-go/internal/speech"
	"bmw-assistant-go/pkg/log"
	"bmw-assistant-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

const (
	writeWait       = 10 * time.Second
	commandBacklog  = 32
	pingInterval    = 30 * time.Second
	maxClientFrame  = 64 << 10
	capabilityParam = "1"
)

// serverFrame 是服务端推送的消息：快照或语音指令。
type serverFrame struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id,omitempty"`
	Text     string          `json:"text,omitempty"`
	Locale   string          `json:"locale,omitempty"`
	Message  string          `json:"message,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
}

// clientFrame 是客户端发来的界面意图或语音事件。
type clientFrame struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// ChatHandler 负责处理面板的 WebSocket 连接：推送状态快照，并把浏览器的语音能力接入会话。
type ChatHandler struct {
	panels     service.PanelService
	jwtManager *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(panels service.PanelService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{panels: panels, jwtManager: jwtManager}
}

// Handle 处理一个传入的 WebSocket 连接。
// 查询参数 recognition=1 / synthesis=1 声明浏览器支持的语音能力。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientFrame)

	sm, release := h.panels.Acquire(context.Background(), claims.ClientID)
	defer release()
	out := newOutbox()
	remote := newRemoteSpeech(out)

	rec, synth := remote.capabilities(
		c.Query("recognition") == capabilityParam,
		c.Query("synthesis") == capabilityParam,
	)
	detach := sm.AttachSpeech(rec, synth)
	unsubscribe := sm.Subscribe(out.pushSnapshot)
	out.pushSnapshot(sm.Snapshot())

	log.Infof("WebSocket 连接已建立，面板: %s", claims.ClientID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		out.writeLoop(conn)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			break
		}
		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warnf("无法解析 WebSocket 消息: %v", err)
			continue
		}
		h.dispatch(sm, remote, out, frame)
	}

	unsubscribe()
	detach()
	out.close()
	<-writerDone
	log.Infof("WebSocket 连接已关闭，面板: %s", claims.ClientID)
}

func (h *ChatHandler) dispatch(sm *service.SessionManager, remote *remoteSpeech, out *outbox, f clientFrame) {
	switch f.Type {
	case "toggle_mic":
		if err := sm.ToggleListening(); err != nil {
			out.pushCommand(serverFrame{Type: "error", Message: err.Error()})
		}
	case "speak":
		if err := sm.Speak(f.Index); err != nil {
			out.pushCommand(serverFrame{Type: "error", Message: err.Error()})
		}
	case "draft":
		sm.SetDraft(f.Text)
	case "open":
		sm.SetOpen(true)
	case "close":
		sm.SetOpen(false)
	case "recognition_result":
		remote.recognitionResult(f.ID, f.Transcript)
	case "recognition_end":
		remote.recognitionEnded(f.ID, nil)
	case "recognition_error":
		remote.recognitionEnded(f.ID, errors.New(f.Error))
	case "speech_end":
		remote.speechEnded(f.ID, nil)
	case "speech_error":
		remote.speechEnded(f.ID, errors.New(f.Error))
	default:
		log.Warnf("未知的 WebSocket 消息类型: %s", f.Type)
	}
}

// outbox 串行化一个连接上的全部写操作。
// 快照只保留最新的一份，语音指令按顺序排队。
type outbox struct {
	commands chan serverFrame
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	latest *model.Snapshot
}

func newOutbox() *outbox {
	return &outbox{
		commands: make(chan serverFrame, commandBacklog),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (o *outbox) pushSnapshot(s model.Snapshot) {
	o.mu.Lock()
	o.latest = &s
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pushCommand(f serverFrame) {
	select {
	case <-o.done:
	case o.commands <- f:
	default:
		log.Warnf("WebSocket 指令队列已满, 丢弃指令: %s", f.Type)
	}
}

func (o *outbox) takeSnapshot() *model.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.latest
	o.latest = nil
	return s
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}

func (o *outbox) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		var frame *serverFrame
		select {
		case <-o.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-o.commands:
			frame = &f
		case <-o.wake:
			if s := o.takeSnapshot(); s != nil {
				frame = &serverFrame{Type: "snapshot", Snapshot: s}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warnf("WebSocket ping 失败: %v", err)
				o.close()
			}
			continue
		}
		if frame == nil {
			continue
		}
		b, err := json.Marshal(frame)
		if err != nil {
			log.Errorf("序列化 WebSocket 消息失败: %v", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("写入 WebSocket 消息失败: %v", err)
			o.close()
		}
	}
}

// remoteSpeech 通过 WebSocket 把浏览器的语音识别与语音播放作为会话的语音能力。
// 每次识别或播放都有一个 ID，浏览器回传事件时带上该 ID。
type remoteSpeech struct {
	out *outbox

	mu          sync.Mutex
	nextID      uint64
	recognition map[uint64]recognitionCallbacks
	utterances  map[uint64]func(error)
}

type recognitionCallbacks struct {
	onResult func(string)
	onEnd    func(error)
}

func newRemoteSpeech(out *outbox) *remoteSpeech {
	return &remoteSpeech{
		out:         out,
		recognition: make(map[uint64]recognitionCallbacks),
		utterances:  make(map[uint64]func(error)),
	}
}

// capabilities 按浏览器声明返回可用的能力，不支持的返回 nil 接口。
func (r *remoteSpeech) capabilities(recognition, synthesis bool) (rec speech.Recognizer, synth speech.Synthesizer) {
	if recognition {
		rec = remoteRecognizer{r}
	}
	if synthesis {
		synth = remoteSynthesizer{r}
	}
	return rec, synth
}

func (r *remoteSpeech) id() uint64 {
	r.nextID++
	return r.nextID
}

func (r *remoteSpeech) recognitionResult(id uint64, transcript string) {
	r.mu.Lock()
	cb, ok := r.recognition[id]
	r.mu.Unlock()
	if ok && cb.onResult != nil {
		cb.onResult(transcript)
	}
}

func (r *remoteSpeech) recognitionEnded(id uint64, err error) {
	r.mu.Lock()
	cb, ok := r.recognition[id]
	delete(r.recognition, id)
	r.mu.Unlock()
	if ok && cb.onEnd != nil {
		cb.onEnd(err)
	}
}

func (r *remoteSpeech) speechEnded(id uint64, err error) {
	r.mu.Lock()
	onEnd, ok := r.utterances[id]
	delete(r.utterances, id)
	r.mu.Unlock()
	if ok && onEnd != nil {
		onEnd(err)
	}
}

type remoteRecognizer struct{ r *remoteSpeech }

func (rr remoteRecognizer) Start(locale string, onResult func(string), onEnd func(error)) error {
	rr.r.mu.Lock()
	id := rr.r.id()
	rr.r.recognition[id] = recognitionCallbacks{onResult: onResult, onEnd: onEnd}
	rr.r.mu.Unlock()
	rr.r.out.pushCommand(serverFrame{Type: "start_recognition", ID: id, Locale: locale})
	return nil
}

func (rr remoteRecognizer) Stop() {
	rr.r.out.pushCommand(serverFrame{Type: "stop_recognition"})
}

type remoteSynthesizer struct{ r *remoteSpeech }

func (rs remoteSynthesizer) Speak(text, locale string, onEnd func(error)) error {
	rs.r.mu.Lock()
	id := rs.r.id()
	rs.r.utterances[id] = onEnd
	rs.r.mu.Unlock()
	rs.r.out.pushCommand(serverFrame{Type: "speak", ID: id, Text: text, Locale: locale})
	return nil
}

func (rs remoteSynthesizer) Cancel() {
	rs.r.out.pushCommand(serverFrame{Type: "cancel_speech"})
}
