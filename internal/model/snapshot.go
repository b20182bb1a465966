package model

// Snapshot 是推送给界面渲染的会话状态。
// SpeakingIndex 为 -1 表示没有正在播放的消息。
type Snapshot struct {
	Messages             []Message `json:"messages"`
	Draft                string    `json:"draft"`
	Loading              bool      `json:"loading"`
	Uploading            bool      `json:"uploading"`
	Open                 bool      `json:"open"`
	Listening            bool      `json:"listening"`
	SpeakingIndex        int       `json:"speakingIndex"`
	RecognitionSupported bool      `json:"recognitionSupported"`
	SynthesisSupported   bool      `json:"synthesisSupported"`
}
