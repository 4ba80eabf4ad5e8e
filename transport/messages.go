// Package transport owns the persistent WebSocket to the conversation
// server: the wire message types, a connect/disconnect/send channel with
// state tracking, and fan-out of typed inbound messages.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeAudioData = "audio_data"
	TypeAudioEnd  = "audio_end"
	TypeInterrupt = "interrupt"
)

// Server → client message types.
const (
	TypeAsrResult = "asr_result"
	TypeAsrEnd    = "asr_end"
	TypeEmotion   = "emotion"
	TypeTtsChunk  = "tts_chunk"
	TypeTtsEnd    = "tts_end"
	TypeError     = "error"
)

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type AsrResultData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type AsrEndData struct {
	Text string `json:"text"`
}

type EmotionData struct {
	Emotion string `json:"emotion"`
}

type TtsChunkData struct {
	Text    string `json:"text"`
	Audio   string `json:"audio"` // base64 MP3, may be empty
	Seq     int    `json:"seq"`
	IsFinal bool   `json:"is_final"`
}

type TtsEndData struct {
	FullText string `json:"full_text"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one parsed inbound frame. Exactly one of the payload pointers
// is set, matching Type. Timestamp is informational only; ordering uses the
// per-turn seq fields.
type Message struct {
	Type      string
	Timestamp int64

	AsrResult *AsrResultData
	AsrEnd    *AsrEndData
	Emotion   *EmotionData
	TtsChunk  *TtsChunkData
	TtsEnd    *TtsEndData
	Error     *ErrorData
}

func parseServerMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("invalid frame: %w", err)
	}

	msg := Message{Type: env.Type, Timestamp: env.Timestamp}

	var payload any
	switch env.Type {
	case TypeAsrResult:
		msg.AsrResult = &AsrResultData{}
		payload = msg.AsrResult
	case TypeAsrEnd:
		msg.AsrEnd = &AsrEndData{}
		payload = msg.AsrEnd
	case TypeEmotion:
		msg.Emotion = &EmotionData{}
		payload = msg.Emotion
	case TypeTtsChunk:
		msg.TtsChunk = &TtsChunkData{}
		payload = msg.TtsChunk
	case TypeTtsEnd:
		msg.TtsEnd = &TtsEndData{}
		payload = msg.TtsEnd
	case TypeError:
		msg.Error = &ErrorData{}
		payload = msg.Error
	default:
		return Message{}, fmt.Errorf("unknown message type %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return Message{}, fmt.Errorf("invalid %s data: %w", env.Type, err)
		}
	}
	return msg, nil
}

func encodeClientMessage(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

type audioDataPayload struct {
	Audio string `json:"audio"`
	Seq   int    `json:"seq"`
}

// EncodeAudioData builds one outbound capture frame.
func EncodeAudioData(audio string, seq int) ([]byte, error) {
	return encodeClientMessage(TypeAudioData, audioDataPayload{Audio: audio, Seq: seq})
}

// EncodeAudioEnd builds the end-of-user-turn marker.
func EncodeAudioEnd() ([]byte, error) {
	return encodeClientMessage(TypeAudioEnd, struct{}{})
}

// EncodeInterrupt builds the cancel-assistant-turn notification.
func EncodeInterrupt() ([]byte, error) {
	return encodeClientMessage(TypeInterrupt, struct{}{})
}
