// Package speech 封装面板的语音识别与语音播放能力。
// 两种能力都可能不可用，此时相关操作为空操作。
package speech

import (
	"strings"
	"sync"

	"bmw-assistant-go/pkg/log"
)

// DefaultLocale 在未配置语言时使用。
const DefaultLocale = "en-AU"

// ChineseLocale 用于包含中日韩统一表意文字的文本。
const ChineseLocale = "zh-CN"

// Recognizer 是单次语音识别能力：不返回中间结果，最多一个结果。
// onResult 在得到最终识别文本时调用，onEnd 在会话结束或出错时调用，二者都可能在任意 goroutine 上触发。
type Recognizer interface {
	Start(locale string, onResult func(transcript string), onEnd func(err error)) error
	Stop()
}

// Synthesizer 是文本朗读能力，同一时间只有一段语音。
type Synthesizer interface {
	Speak(text, locale string, onEnd func(err error)) error
	Cancel()
}

// Options 是创建 Bridge 的参数。
type Options struct {
	Recognizer   Recognizer
	Synthesizer  Synthesizer
	Locale       string
	OnTranscript func(transcript string)
	OnChange     func()
}

// Bridge 维护识别与播放两个独立的状态机。
// 每次开始识别或播放都会产生新的 generation，旧会话的回调一律忽略。
type Bridge struct {
	opts Options

	mu            sync.Mutex
	listening     bool
	recGen        uint64
	speakingIndex int
	synthGen      uint64
	closed        bool
}

// NewBridge 创建 Bridge。
func NewBridge(opts Options) *Bridge {
	if opts.Locale == "" {
		opts.Locale = DefaultLocale
	}
	return &Bridge{opts: opts, speakingIndex: -1}
}

// RecognitionSupported 表示是否提供语音输入。
func (b *Bridge) RecognitionSupported() bool { return b.opts.Recognizer != nil }

// SynthesisSupported 表示是否提供语音播放。
func (b *Bridge) SynthesisSupported() bool { return b.opts.Synthesizer != nil }

// Listening 返回是否正在识别。
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// SpeakingIndex 返回正在朗读的消息下标。
func (b *Bridge) SpeakingIndex() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speakingIndex, b.speakingIndex >= 0
}

// StartListening 仅在空闲时开始一次识别，返回是否真正开始。
func (b *Bridge) StartListening() bool {
	if b.opts.Recognizer == nil {
		return false
	}
	b.mu.Lock()
	if b.closed || b.listening {
		b.mu.Unlock()
		return false
	}
	b.listening = true
	b.recGen++
	gen := b.recGen
	b.mu.Unlock()

	b.notify()
	err := b.opts.Recognizer.Start(b.opts.Locale,
		func(t string) { b.recognitionResult(gen, t) },
		func(err error) { b.recognitionEnded(gen, err) },
	)
	if err != nil {
		b.recognitionEnded(gen, err)
		return false
	}
	return true
}

// StopListening 结束当前识别，空闲时为空操作。
func (b *Bridge) StopListening() {
	if b.opts.Recognizer == nil {
		return
	}
	b.mu.Lock()
	if !b.listening {
		b.mu.Unlock()
		return
	}
	b.listening = false
	b.recGen++
	b.mu.Unlock()

	b.opts.Recognizer.Stop()
	b.notify()
}

// ToggleListening 在识别与空闲之间切换。
func (b *Bridge) ToggleListening() {
	if b.Listening() {
		b.StopListening()
		return
	}
	b.StartListening()
}

func (b *Bridge) recognitionResult(gen uint64, transcript string) {
	transcript = strings.TrimSpace(transcript)
	b.mu.Lock()
	stale := gen != b.recGen || !b.listening
	b.mu.Unlock()
	if stale || transcript == "" {
		return
	}
	if b.opts.OnTranscript != nil {
		b.opts.OnTranscript(transcript)
	}
}

func (b *Bridge) recognitionEnded(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.recGen || !b.listening {
		b.mu.Unlock()
		return
	}
	b.listening = false
	b.mu.Unlock()

	if err != nil {
		log.Warnf("[SpeechBridge] 语音识别结束, error: %v", err)
	}
	b.notify()
}

// LocaleFor 返回朗读 text 使用的语言。
func LocaleFor(text, fallback string) string {
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			return ChineseLocale
		}
	}
	if fallback == "" {
		return DefaultLocale
	}
	return fallback
}

// Speak 朗读 index 对应的消息。再次请求正在朗读的 index 会停止播放，
// 请求其他 index 会先取消当前播放。
func (b *Bridge) Speak(text string, index int) {
	if b.opts.Synthesizer == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	wasSpeaking := b.speakingIndex >= 0
	if b.speakingIndex == index {
		b.speakingIndex = -1
		b.synthGen++
		b.mu.Unlock()
		b.opts.Synthesizer.Cancel()
		b.notify()
		return
	}
	b.speakingIndex = index
	b.synthGen++
	gen := b.synthGen
	b.mu.Unlock()

	if wasSpeaking {
		b.opts.Synthesizer.Cancel()
	}
	b.notify()
	err := b.opts.Synthesizer.Speak(text, LocaleFor(text, b.opts.Locale), func(err error) { b.speechEnded(gen, err) })
	if err != nil {
		b.speechEnded(gen, err)
	}
}

// StopSpeaking 取消当前播放。
func (b *Bridge) StopSpeaking() {
	if b.opts.Synthesizer == nil {
		return
	}
	b.mu.Lock()
	if b.speakingIndex < 0 {
		b.mu.Unlock()
		return
	}
	b.speakingIndex = -1
	b.synthGen++
	b.mu.Unlock()

	b.opts.Synthesizer.Cancel()
	b.notify()
}

func (b *Bridge) speechEnded(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.synthGen || b.speakingIndex < 0 {
		b.mu.Unlock()
		return
	}
	b.speakingIndex = -1
	b.mu.Unlock()

	if err != nil {
		log.Warnf("[SpeechBridge] 语音播放结束, error: %v", err)
	}
	b.notify()
}

// Close 停止识别与播放，之后的开始请求都会被忽略。
func (b *Bridge) Close() {
	b.StopListening()
	b.StopSpeaking()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Bridge) notify() {
	if b.opts.OnChange != nil {
		b.opts.OnChange()
	}
}
