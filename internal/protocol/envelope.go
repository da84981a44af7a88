package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only wire protocol version this server speaks.
const Version = "1.0"

// MessageType identifies envelope payload variants.
type MessageType string

const (
	TypeRegister       MessageType = "REGISTER"
	TypeRegisterAck    MessageType = "REGISTER_ACK"
	TypeRequest        MessageType = "REQUEST"
	TypeResponse       MessageType = "RESPONSE"
	TypeInterrupt      MessageType = "INTERRUPT"
	TypeInterruptAck   MessageType = "INTERRUPT_ACK"
	TypeSessionQuery   MessageType = "SESSION_QUERY"
	TypeSessionInfo    MessageType = "SESSION_INFO"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeHeartbeatReply MessageType = "HEARTBEAT_REPLY"
	TypeHealthCheck    MessageType = "HEALTH_CHECK"
	TypeHealthCheckAck MessageType = "HEALTH_CHECK_ACK"
	TypeShutdown       MessageType = "SHUTDOWN"
	TypeError          MessageType = "ERROR"
)

// Platform identifies the client flavor that opened the connection.
type Platform string

const (
	PlatformWeb         Platform = "WEB"
	PlatformApp         Platform = "APP"
	PlatformMiniProgram Platform = "MINI_PROGRAM"
	PlatformTV          Platform = "TV"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformApp, PlatformMiniProgram, PlatformTV:
		return true
	}
	return false
}

// DataType selects the request input modality.
type DataType string

const (
	DataTypeText  DataType = "TEXT"
	DataTypeVoice DataType = "VOICE"
)

// VoiceMode selects how VOICE content travels on the wire.
type VoiceMode string

const (
	VoiceModeBase64 VoiceMode = "BASE64"
	VoiceModeBinary VoiceMode = "BINARY"
)

// FunctionOp is the set-algebra operation applied to a session's
// registered function descriptors.
type FunctionOp string

const (
	FunctionOpReplace FunctionOp = "REPLACE"
	FunctionOpAdd     FunctionOp = "ADD"
	FunctionOpUpdate  FunctionOp = "UPDATE"
	FunctionOpDelete  FunctionOp = "DELETE"
)

func (op FunctionOp) Valid() bool {
	switch op {
	case FunctionOpReplace, FunctionOpAdd, FunctionOpUpdate, FunctionOpDelete:
		return true
	}
	return false
}

// TerminalSeq closes one modality stream of a request.
const TerminalSeq = -1

// Envelope is the outer object wrapping every non-binary protocol message.
type Envelope struct {
	Version   string          `json:"version"`
	MsgType   MessageType     `json:"msg_type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope wraps a payload for the wire, stamping the current time.
// Marshal failures are programmer errors (all payload types are plain
// structs), so they panic rather than return.
func NewEnvelope(t MessageType, sessionID string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return Envelope{
		Version:   Version,
		MsgType:   t,
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Auth carries client credentials in a REGISTER payload.
type Auth struct {
	Type     string `json:"type"` // API_KEY or ACCOUNT
	APIKey   string `json:"api_key,omitempty"`
	Account  string `json:"account,omitempty"`
	Password string `json:"password,omitempty"`
}

const (
	AuthTypeAPIKey  = "API_KEY"
	AuthTypeAccount = "ACCOUNT"
)

// FunctionSpec describes one function the client exposes for function
// calling. Parameters stay opaque; the engine never interprets them.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type RegisterPayload struct {
	Auth            Auth           `json:"auth"`
	Platform        Platform       `json:"platform"`
	RequireTTS      bool           `json:"require_tts"`
	FunctionCalling []FunctionSpec `json:"function_calling"`
}

type RegisterAckPayload struct {
	Status                string `json:"status"`
	Message               string `json:"message,omitempty"`
	SessionID             string `json:"session_id"`
	SessionTimeoutSeconds int64  `json:"session_timeout_seconds"`
}

// RequestContent is the data_type-specific inner object of a REQUEST.
type RequestContent struct {
	Text      string    `json:"text,omitempty"`
	VoiceMode VoiceMode `json:"voice_mode,omitempty"`
	Voice     string    `json:"voice,omitempty"` // base64 audio, BASE64 mode only
}

type RequestPayload struct {
	RequestID         string         `json:"request_id"`
	DataType          DataType       `json:"data_type"`
	StreamFlag        bool           `json:"stream_flag"`
	StreamSeq         int            `json:"stream_seq"`
	Content           RequestContent `json:"content"`
	RequireTTS        *bool          `json:"require_tts,omitempty"`
	FunctionCallingOp FunctionOp     `json:"function_calling_op,omitempty"`
	FunctionCalling   []FunctionSpec `json:"function_calling,omitempty"`
}

// ResponseContent carries one output chunk for a single modality.
type ResponseContent struct {
	Text  string `json:"text,omitempty"`
	Voice string `json:"voice,omitempty"` // base64 audio
}

type ResponsePayload struct {
	RequestID       string          `json:"request_id"`
	TextStreamSeq   *int            `json:"text_stream_seq,omitempty"`
	VoiceStreamSeq  *int            `json:"voice_stream_seq,omitempty"`
	Content         ResponseContent `json:"content"`
	FunctionCall    json.RawMessage `json:"function_call,omitempty"`
	Interrupted     bool            `json:"interrupted,omitempty"`
	InterruptReason string          `json:"interrupt_reason,omitempty"`
}

type InterruptPayload struct {
	InterruptRequestID string `json:"interrupt_request_id,omitempty"`
	Reason             string `json:"reason"`
}

const (
	InterruptStatusSuccess = "SUCCESS"
	InterruptStatusPartial = "PARTIAL"
)

type InterruptAckPayload struct {
	InterruptedRequestIDs []string `json:"interrupted_request_ids"`
	Status                string   `json:"status"`
	Message               string   `json:"message,omitempty"`
}

type SessionQueryPayload struct {
	QueryFields []string `json:"query_fields"`
}

// SessionData is the queryable subset of session attributes. Pointer
// fields distinguish "not requested" from zero values.
type SessionData struct {
	Platform         Platform       `json:"platform,omitempty"`
	RequireTTS       *bool          `json:"require_tts,omitempty"`
	FunctionCalling  []FunctionSpec `json:"function_calling,omitempty"`
	CreateTime       *int64         `json:"create_time,omitempty"`
	RemainingSeconds *int64         `json:"remaining_seconds,omitempty"`
}

type SessionInfoPayload struct {
	Status      string      `json:"status"`
	Message     string      `json:"message,omitempty"`
	SessionData SessionData `json:"session_data"`
}

type HeartbeatPayload struct{}

type HeartbeatReplyPayload struct {
	ClientStatus string `json:"client_status,omitempty"`
}

type HealthCheckPayload struct{}

type HealthStatus struct {
	CPUUsage  float64 `json:"cpu_usage"`
	ConnCount int     `json:"conn_count"`
	Status    string  `json:"status"`
}

type HealthCheckAckPayload struct {
	HealthStatus HealthStatus `json:"health_status"`
}

type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	ErrorCode   ErrorCode `json:"error_code"`
	ErrorMsg    string    `json:"error_msg"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Retryable   bool      `json:"retryable"`
	RequestID   string    `json:"request_id,omitempty"`
}
