package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func frame(t *testing.T, msgType MessageType, sessionID string, payload any) []byte {
	t.Helper()
	env := NewEnvelope(msgType, sessionID, payload)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func validRegister() RegisterPayload {
	return RegisterPayload{
		Auth:            Auth{Type: AuthTypeAPIKey, APIKey: "k-123"},
		Platform:        PlatformWeb,
		RequireTTS:      true,
		FunctionCalling: []FunctionSpec{},
	}
}

func TestDecodeRegister(t *testing.T) {
	msg, err := Decode(frame(t, TypeRegister, "", validRegister()))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p, ok := msg.Payload.(RegisterPayload)
	if !ok {
		t.Fatalf("payload type = %T, want RegisterPayload", msg.Payload)
	}
	if p.Platform != PlatformWeb || !p.RequireTTS || p.Auth.APIKey != "k-123" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw := []byte(`{"version":"2.0","msg_type":"HEALTH_CHECK","payload":{},"timestamp":1}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode() accepted unsupported version")
	}
}

func TestDecodeRejectsUnknownMsgType(t *testing.T) {
	raw := []byte(`{"version":"1.0","msg_type":"BOGUS","payload":{},"timestamp":1}`)
	_, err := Decode(raw)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeMalformedPayload {
		t.Fatalf("Decode() error = %v, want MALFORMED_PAYLOAD", err)
	}
}

func TestDecodeRegisterRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing auth", `{"platform":"WEB","require_tts":false,"function_calling":[]}`},
		{"missing require_tts", `{"auth":{"type":"API_KEY","api_key":"k"},"platform":"WEB","function_calling":[]}`},
		{"missing function_calling", `{"auth":{"type":"API_KEY","api_key":"k"},"platform":"WEB","require_tts":false}`},
		{"bad platform", `{"auth":{"type":"API_KEY","api_key":"k"},"platform":"WATCH","require_tts":false,"function_calling":[]}`},
		{"bad auth type", `{"auth":{"type":"COOKIE"},"platform":"WEB","require_tts":false,"function_calling":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(`{"version":"1.0","msg_type":"REGISTER","payload":` + tc.json + `,"timestamp":1}`)
			_, err := Decode(raw)
			var perr *Error
			if !errors.As(err, &perr) || perr.Code != CodeMalformedPayload {
				t.Fatalf("Decode() error = %v, want MALFORMED_PAYLOAD", err)
			}
		})
	}
}

func TestDecodeRequestRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing request_id", `{"data_type":"TEXT","stream_flag":false,"stream_seq":0,"content":{"text":"hi"}}`},
		{"missing stream_flag", `{"request_id":"r1","data_type":"TEXT","stream_seq":0,"content":{"text":"hi"}}`},
		{"missing stream_seq", `{"request_id":"r1","data_type":"TEXT","stream_flag":false,"content":{"text":"hi"}}`},
		{"missing content", `{"request_id":"r1","data_type":"TEXT","stream_flag":false,"stream_seq":0}`},
		{"bad data_type", `{"request_id":"r1","data_type":"IMAGE","stream_flag":false,"stream_seq":0,"content":{}}`},
		{"bad function op", `{"request_id":"r1","data_type":"TEXT","stream_flag":false,"stream_seq":0,"content":{"text":"hi"},"function_calling_op":"MERGE"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(`{"version":"1.0","msg_type":"REQUEST","payload":` + tc.json + `,"timestamp":1}`)
			if _, err := Decode(raw); err == nil {
				t.Fatal("Decode() accepted invalid REQUEST")
			}
		})
	}
}

func TestValidateRequestContent(t *testing.T) {
	cases := []struct {
		name    string
		payload RequestPayload
		wantErr bool
	}{
		{
			name: "text ok",
			payload: RequestPayload{DataType: DataTypeText,
				Content: RequestContent{Text: "hello"}},
		},
		{
			name: "text with voice content",
			payload: RequestPayload{DataType: DataTypeText,
				Content: RequestContent{Text: "hello", Voice: "AAAA"}},
			wantErr: true,
		},
		{
			name: "base64 voice ok",
			payload: RequestPayload{DataType: DataTypeVoice,
				Content: RequestContent{VoiceMode: VoiceModeBase64, Voice: "AAAA"}},
		},
		{
			name: "base64 voice empty",
			payload: RequestPayload{DataType: DataTypeVoice,
				Content: RequestContent{VoiceMode: VoiceModeBase64}},
			wantErr: true,
		},
		{
			name: "binary voice ok",
			payload: RequestPayload{DataType: DataTypeVoice, StreamFlag: true,
				Content: RequestContent{VoiceMode: VoiceModeBinary}},
		},
		{
			name: "binary voice with inline content",
			payload: RequestPayload{DataType: DataTypeVoice, StreamFlag: true,
				Content: RequestContent{VoiceMode: VoiceModeBinary, Voice: "AAAA"}},
			wantErr: true,
		},
		{
			name: "binary voice without stream_flag",
			payload: RequestPayload{DataType: DataTypeVoice,
				Content: RequestContent{VoiceMode: VoiceModeBinary}},
			wantErr: true,
		},
		{
			name: "voice without mode",
			payload: RequestPayload{DataType: DataTypeVoice,
				Content: RequestContent{Voice: "AAAA"}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRequestContent(tc.payload)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateRequestContent() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeRequestKeepsMutationFields(t *testing.T) {
	raw := []byte(`{"version":"1.0","msg_type":"REQUEST","payload":{
		"request_id":"r1","data_type":"TEXT","stream_flag":false,"stream_seq":0,
		"content":{"text":"hi"},"require_tts":true,
		"function_calling_op":"ADD","function_calling":[{"name":"f1"}]},"timestamp":1}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p := msg.Payload.(RequestPayload)
	if p.RequireTTS == nil || !*p.RequireTTS {
		t.Fatal("require_tts not carried")
	}
	if p.FunctionCallingOp != FunctionOpAdd || len(p.FunctionCalling) != 1 {
		t.Fatalf("function mutation not carried: %+v", p)
	}
}

func TestErrorRetryable(t *testing.T) {
	retryable := []ErrorCode{CodeRequestTimeout, CodeServerBusy, CodeInternalError}
	fatal := []ErrorCode{CodeAuthFailed, CodeMalformedPayload, CodeSessionInvalid, CodeStreamSeqError}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s.Retryable() = false, want true", c)
		}
	}
	for _, c := range fatal {
		if c.Retryable() {
			t.Errorf("%s.Retryable() = true, want false", c)
		}
	}
}

func TestErrorPayloadCarriesRetryable(t *testing.T) {
	e := &Error{Code: CodeServerBusy, Msg: "busy", RequestID: "r9"}
	p := e.Payload()
	if !p.Retryable || p.ErrorCode != CodeServerBusy || p.RequestID != "r9" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
