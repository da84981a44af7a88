package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is one decoded and validated inbound frame. Payload holds the
// typed payload struct for MsgType; downstream components switch on it
// instead of re-reading JSON.
type Message struct {
	MsgType   MessageType
	SessionID string
	Timestamp int64
	Payload   any
}

// Decode parses a text frame into a typed Message. A non-nil error is
// always a *Error with code MALFORMED_PAYLOAD; the failure is terminal
// for the frame, never for the connection. Decode touches no state.
func Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Error{Code: CodeMalformedPayload, Msg: "invalid envelope", Detail: err.Error()}
	}
	if env.Version != Version {
		return nil, Malformed(fmt.Sprintf("unsupported protocol version %q", env.Version))
	}

	msg := &Message{MsgType: env.MsgType, SessionID: env.SessionID, Timestamp: env.Timestamp}

	var err error
	switch env.MsgType {
	case TypeRegister:
		msg.Payload, err = decodeRegister(env.Payload)
	case TypeRequest:
		msg.Payload, err = decodeRequest(env.Payload)
	case TypeInterrupt:
		var p InterruptPayload
		err = unmarshalPayload(env.Payload, &p)
		msg.Payload = p
	case TypeSessionQuery:
		var p SessionQueryPayload
		err = unmarshalPayload(env.Payload, &p)
		msg.Payload = p
	case TypeHeartbeatReply:
		var p HeartbeatReplyPayload
		err = unmarshalPayload(env.Payload, &p)
		msg.Payload = p
	case TypeHealthCheck:
		msg.Payload = HealthCheckPayload{}
	case TypeShutdown:
		var p ShutdownPayload
		err = unmarshalPayload(env.Payload, &p)
		msg.Payload = p
	default:
		return nil, Malformed(fmt.Sprintf("unknown msg_type %q", env.MsgType))
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return Malformed("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: CodeMalformedPayload, Msg: "invalid payload", Detail: err.Error()}
	}
	return nil
}

func decodeRegister(raw json.RawMessage) (RegisterPayload, error) {
	// Required-field presence can't be told apart from zero values with
	// plain fields, so decode through a pointer-typed shadow first.
	var shadow struct {
		Auth            *Auth           `json:"auth"`
		Platform        Platform        `json:"platform"`
		RequireTTS      *bool           `json:"require_tts"`
		FunctionCalling *[]FunctionSpec `json:"function_calling"`
	}
	if err := unmarshalPayload(raw, &shadow); err != nil {
		return RegisterPayload{}, err
	}
	if shadow.Auth == nil {
		return RegisterPayload{}, Malformed("REGISTER requires auth")
	}
	switch shadow.Auth.Type {
	case AuthTypeAPIKey, AuthTypeAccount:
	default:
		return RegisterPayload{}, Malformed(fmt.Sprintf("unknown auth type %q", shadow.Auth.Type))
	}
	if !shadow.Platform.Valid() {
		return RegisterPayload{}, Malformed(fmt.Sprintf("unknown platform %q", shadow.Platform))
	}
	if shadow.RequireTTS == nil {
		return RegisterPayload{}, Malformed("REGISTER requires require_tts")
	}
	if shadow.FunctionCalling == nil {
		return RegisterPayload{}, Malformed("REGISTER requires function_calling array")
	}
	return RegisterPayload{
		Auth:            *shadow.Auth,
		Platform:        shadow.Platform,
		RequireTTS:      *shadow.RequireTTS,
		FunctionCalling: *shadow.FunctionCalling,
	}, nil
}

func decodeRequest(raw json.RawMessage) (RequestPayload, error) {
	var shadow struct {
		RequestID         string          `json:"request_id"`
		DataType          DataType        `json:"data_type"`
		StreamFlag        *bool           `json:"stream_flag"`
		StreamSeq         *int            `json:"stream_seq"`
		Content           *RequestContent `json:"content"`
		RequireTTS        *bool           `json:"require_tts"`
		FunctionCallingOp FunctionOp      `json:"function_calling_op"`
		FunctionCalling   []FunctionSpec  `json:"function_calling"`
	}
	if err := unmarshalPayload(raw, &shadow); err != nil {
		return RequestPayload{}, err
	}
	if shadow.RequestID == "" {
		return RequestPayload{}, Malformed("REQUEST requires request_id")
	}
	if shadow.DataType != DataTypeText && shadow.DataType != DataTypeVoice {
		return RequestPayload{}, Malformed(fmt.Sprintf("unknown data_type %q", shadow.DataType))
	}
	if shadow.StreamFlag == nil {
		return RequestPayload{}, Malformed("REQUEST requires stream_flag")
	}
	if shadow.StreamSeq == nil {
		return RequestPayload{}, Malformed("REQUEST requires numeric stream_seq")
	}
	if shadow.Content == nil {
		return RequestPayload{}, Malformed("REQUEST requires content")
	}
	if shadow.FunctionCallingOp != "" && !shadow.FunctionCallingOp.Valid() {
		return RequestPayload{}, Malformed(fmt.Sprintf("unknown function_calling_op %q", shadow.FunctionCallingOp))
	}

	p := RequestPayload{
		RequestID:         shadow.RequestID,
		DataType:          shadow.DataType,
		StreamFlag:        *shadow.StreamFlag,
		StreamSeq:         *shadow.StreamSeq,
		Content:           *shadow.Content,
		RequireTTS:        shadow.RequireTTS,
		FunctionCallingOp: shadow.FunctionCallingOp,
		FunctionCalling:   shadow.FunctionCalling,
	}
	if err := validateRequestContent(p); err != nil {
		return RequestPayload{}, err
	}
	return p, nil
}

// validateRequestContent checks that content is consistent with data_type.
func validateRequestContent(p RequestPayload) error {
	switch p.DataType {
	case DataTypeText:
		if p.Content.VoiceMode != "" || p.Content.Voice != "" {
			return Malformed("TEXT request carries voice content")
		}
		if p.Content.Text == "" {
			return Malformed("TEXT request requires content.text")
		}
	case DataTypeVoice:
		if p.Content.Text != "" {
			return Malformed("VOICE request carries text content")
		}
		switch p.Content.VoiceMode {
		case VoiceModeBase64:
			if p.Content.Voice == "" {
				return Malformed("BASE64 voice request requires content.voice")
			}
		case VoiceModeBinary:
			if p.Content.Voice != "" {
				return Malformed("BINARY voice request carries inline content")
			}
			if !p.StreamFlag {
				return Malformed("BINARY voice requires stream_flag")
			}
		default:
			return Malformed(fmt.Sprintf("unknown voice_mode %q", p.Content.VoiceMode))
		}
	}
	return nil
}
