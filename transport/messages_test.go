package transport

import (
	"encoding/json"
	"testing"
)

func TestParseTtsChunk(t *testing.T) {
	raw := []byte(`{"type":"tts_chunk","data":{"text":"你好","audio":"QUJD","seq":3,"is_final":false},"timestamp":1700000000000}`)
	msg, err := parseServerMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Type != TypeTtsChunk || msg.TtsChunk == nil {
		t.Fatalf("wrong type: %+v", msg)
	}
	if msg.TtsChunk.Seq != 3 || msg.TtsChunk.Text != "你好" || msg.TtsChunk.Audio != "QUJD" {
		t.Fatalf("wrong payload: %+v", msg.TtsChunk)
	}
	if msg.Timestamp != 1700000000000 {
		t.Fatalf("timestamp not carried: %d", msg.Timestamp)
	}
}

func TestParseAsrResult(t *testing.T) {
	raw := []byte(`{"type":"asr_result","data":{"text":"hello","is_final":true}}`)
	msg, err := parseServerMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.AsrResult == nil || !msg.AsrResult.IsFinal || msg.AsrResult.Text != "hello" {
		t.Fatalf("wrong payload: %+v", msg.AsrResult)
	}
}

func TestParseError(t *testing.T) {
	raw := []byte(`{"type":"error","data":{"code":"ASR_ERROR","message":"asr backend down"}}`)
	msg, err := parseServerMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != "ASR_ERROR" {
		t.Fatalf("wrong payload: %+v", msg.Error)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	if _, err := parseServerMessage([]byte(`{"type":"nope","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := parseServerMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, err := parseServerMessage([]byte(`{"type":"asr_end","data":"notanobject"}`)); err == nil {
		t.Fatal("expected error for wrong data shape")
	}
}

func TestParseMissingDataYieldsZeroPayload(t *testing.T) {
	msg, err := parseServerMessage([]byte(`{"type":"tts_end"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.TtsEnd == nil || msg.TtsEnd.FullText != "" {
		t.Fatalf("expected empty tts_end payload: %+v", msg.TtsEnd)
	}
}

func TestEncodeAudioData(t *testing.T) {
	raw, err := EncodeAudioData("QUJD", 7)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if env.Type != TypeAudioData {
		t.Fatalf("wrong type %q", env.Type)
	}
	if env.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	var data audioDataPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("bad data: %v", err)
	}
	if data.Audio != "QUJD" || data.Seq != 7 {
		t.Fatalf("wrong payload: %+v", data)
	}
}

func TestEncodeControlMessages(t *testing.T) {
	for msgType, encode := range map[string]func() ([]byte, error){
		TypeAudioEnd:  EncodeAudioEnd,
		TypeInterrupt: EncodeInterrupt,
	} {
		raw, err := encode()
		if err != nil {
			t.Fatalf("%s: encode failed: %v", msgType, err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("%s: round trip failed: %v", msgType, err)
		}
		if env.Type != msgType {
			t.Fatalf("wrong type %q, want %q", env.Type, msgType)
		}
	}
}
