package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/emitter"
	"github.com/ent0n29/parley/internal/ingest"
	"github.com/ent0n29/parley/internal/pipeline"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/request"
	"github.com/ent0n29/parley/internal/session"
)

const (
	outboundBuffer = 256
	writeDeadline  = 10 * time.Second
)

// outFrame is one queued outbound envelope. closeAfter tells the writer
// to flush this frame and then tear the connection down, which is how
// AUTH_FAILED errors and SHUTDOWN frames reach the client before close.
type outFrame struct {
	env        protocol.Envelope
	closeAfter bool
}

// conn supervises one websocket connection. State machine:
// UNREGISTERED (sess nil) → ACTIVE (sess set) → CLOSED. The read loop
// is the only goroutine that dispatches frames, so frames on one
// connection are processed strictly in arrival order.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound  chan outFrame
	assembler *ingest.Assembler
	limiter   *rate.Limiter

	sess        atomic.Pointer[session.Session]
	lastInbound atomic.Int64 // unix milli

	// closeReason is written before cancel and read during teardown,
	// both from paths serialized by the connection lifecycle.
	closeReason atomic.Value

	// discardedIngest remembers a streamed-binary request whose ingest
	// was discarded by an interrupt, so its trailing end frame is
	// swallowed instead of reported as an error. Read loop only.
	discardedIngest string
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:       s,
		ws:        ws,
		log:       s.log,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan outFrame, outboundBuffer),
		assembler: ingest.NewAssembler(s.cfg.MaxVoiceBytes),
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.AdmitRate), s.cfg.AdmitBurst),
	}
	c.lastInbound.Store(time.Now().UnixMilli())
	c.closeReason.Store("connection_closed")
	return c
}

func (c *conn) run(parent context.Context) {
	defer c.cancel()

	// ReadMessage only unblocks when the socket dies; close it as soon
	// as the connection context ends. The parent is the upgrade
	// request's context, which ends when the server stops serving.
	go func() {
		select {
		case <-parent.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
		_ = c.ws.Close()
	}()

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	c.readLoop()

	c.cancel()
	_ = g.Wait()
	c.teardown()
}

func (c *conn) teardown() {
	reason, _ := c.closeReason.Load().(string)
	c.log.Debug("connection closed", zap.String("reason", reason))
	c.assembler.DiscardAll()
	if sess := c.sess.Load(); sess != nil {
		c.srv.registry.Destroy(sess.ID, reason)
		c.srv.metrics.ActiveSessions.Set(float64(c.srv.registry.Count()))
	}
	c.srv.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (c *conn) shutdown(reason string) {
	c.closeReason.Store(reason)
	c.cancel()
}

// send enqueues an outbound envelope, blocking until the writer has
// room. Blocking keeps response streams gapless; a stalled socket trips
// the write deadline, which cancels the connection and unblocks us.
func (c *conn) send(env protocol.Envelope) {
	select {
	case <-c.ctx.Done():
	case c.outbound <- outFrame{env: env}:
	}
}

func (c *conn) sendClose(env protocol.Envelope, reason string) {
	c.closeReason.Store(reason)
	select {
	case <-c.ctx.Done():
	case c.outbound <- outFrame{env: env, closeAfter: true}:
	}
}

func (c *conn) sendError(perr *protocol.Error, sessionID string) {
	c.srv.metrics.FrameErrors.WithLabelValues(string(perr.Code)).Inc()
	c.send(protocol.NewEnvelope(protocol.TypeError, sessionID, perr.Payload()))
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteJSON(f.env); err != nil {
				c.cancel()
				return err
			}
			c.srv.metrics.WSMessages.WithLabelValues("outbound", string(f.env.MsgType)).Inc()
			if f.closeAfter {
				c.cancel()
				return nil
			}
		}
	}
}

// heartbeatLoop pushes HEARTBEAT frames on a fixed interval while the
// session is active and closes connections that have gone silent past
// the session timeout.
func (c *conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			silent := time.Since(time.UnixMilli(c.lastInbound.Load()))
			if silent > c.srv.cfg.SessionTimeout {
				c.shutdown("heartbeat_timeout")
				return nil
			}
			if c.sess.Load() != nil {
				c.send(protocol.NewEnvelope(protocol.TypeHeartbeat, "", protocol.HeartbeatPayload{}))
			}
		}
	}
}

func (c *conn) readLoop() {
	limit := int64(2 << 20)
	if max := int64(c.srv.cfg.MaxVoiceBytes); max > limit {
		limit = max
	}
	c.ws.SetReadLimit(limit)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.lastInbound.Store(time.Now().UnixMilli())

		switch msgType {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// handleBinary accepts raw voice continuation frames. They are only
// legal while an ingest context is open on this connection.
func (c *conn) handleBinary(data []byte) {
	c.srv.metrics.WSMessages.WithLabelValues("inbound", "BINARY").Inc()
	if err := c.assembler.Append(data); err != nil {
		var sizeErr *ingest.SizeError
		switch {
		case errors.As(err, &sizeErr):
			c.sendError(protocol.Malformed(err.Error()), c.sessionID())
		case errors.Is(err, ingest.ErrNoContext):
			if c.discardedIngest != "" {
				// Straggler from an interrupted stream; interrupt
				// silently truncates input.
				return
			}
			c.sendError(protocol.Malformed("binary frame with no open voice ingest"), c.sessionID())
		default:
			c.sendError(protocol.Malformed(err.Error()), c.sessionID())
		}
		return
	}
	c.srv.metrics.IngestBytes.Add(float64(len(data)))
}

func (c *conn) handleText(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.Malformed(err.Error())
		}
		// A malformed frame is dropped; the connection stays open.
		c.sendError(perr, c.sessionID())
		return
	}
	c.srv.metrics.WSMessages.WithLabelValues("inbound", string(msg.MsgType)).Inc()

	switch p := msg.Payload.(type) {
	case protocol.RegisterPayload:
		c.handleRegister(p)
	case protocol.RequestPayload:
		c.handleRequest(msg.SessionID, p)
	case protocol.InterruptPayload:
		c.handleInterrupt(msg.SessionID, p)
	case protocol.SessionQueryPayload:
		c.handleSessionQuery(msg.SessionID, p)
	case protocol.HeartbeatReplyPayload:
		// Touch is the whole point of a heartbeat reply.
		c.scoped(msg.SessionID)
	case protocol.HealthCheckPayload:
		c.send(protocol.NewEnvelope(protocol.TypeHealthCheckAck, "", protocol.HealthCheckAckPayload{
			HealthStatus: c.srv.health(),
		}))
	case protocol.ShutdownPayload:
		c.handleShutdown(msg.SessionID, p)
	}
}

func (c *conn) sessionID() string {
	if sess := c.sess.Load(); sess != nil {
		return sess.ID
	}
	return ""
}

// scoped validates that a session-scoped frame names this connection's
// live session and refreshes its expiry. Sessions are reachable only
// through their owning connection.
func (c *conn) scoped(sessionID string) (*session.Session, bool) {
	sess := c.sess.Load()
	if sess == nil || sessionID != sess.ID {
		c.sendError(protocol.NewError(protocol.CodeSessionInvalid, "unknown session"), "")
		return nil, false
	}
	if err := c.srv.registry.Touch(sess.ID); err != nil {
		c.sendError(protocol.NewError(protocol.CodeSessionInvalid, "session expired"), "")
		return nil, false
	}
	return sess, true
}

func (c *conn) handleRegister(p protocol.RegisterPayload) {
	if c.sess.Load() != nil {
		c.sendError(protocol.Malformed("connection already registered"), c.sessionID())
		return
	}

	creds := auth.Credentials{
		Type:     p.Auth.Type,
		APIKey:   p.Auth.APIKey,
		Account:  p.Auth.Account,
		Password: p.Auth.Password,
	}
	sess, err := c.srv.registry.Register(c.ctx, creds, p.Platform, p.RequireTTS, p.FunctionCalling)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			// Credential failures close the connection after the error
			// frame is flushed.
			perr := protocol.NewError(protocol.CodeAuthFailed, "authentication failed")
			c.srv.metrics.FrameErrors.WithLabelValues(string(perr.Code)).Inc()
			c.sendClose(protocol.NewEnvelope(protocol.TypeError, "", perr.Payload()), "auth_failed")
			return
		}
		c.sendError(&protocol.Error{Code: protocol.CodeInternalError, Msg: "registration failed", Detail: err.Error()}, "")
		return
	}

	c.sess.Store(sess)
	c.srv.metrics.SessionEvents.WithLabelValues("registered").Inc()
	c.srv.metrics.ActiveSessions.Set(float64(c.srv.registry.Count()))

	c.send(protocol.NewEnvelope(protocol.TypeRegisterAck, sess.ID, protocol.RegisterAckPayload{
		Status:                "SUCCESS",
		Message:               "registered",
		SessionID:             sess.ID,
		SessionTimeoutSeconds: int64(c.srv.registry.Timeout().Seconds()),
	}))
}

func (c *conn) handleRequest(sessionID string, p protocol.RequestPayload) {
	sess, ok := c.scoped(sessionID)
	if !ok {
		return
	}

	// Attribute mutation rides on the request frame and is applied
	// before admission, so this request and every later one observe the
	// post-mutation attributes.
	if p.FunctionCallingOp != "" || p.RequireTTS != nil {
		if err := c.srv.registry.Mutate(sess.ID, p.FunctionCallingOp, p.FunctionCalling, p.RequireTTS); err != nil {
			c.sendError(protocol.NewError(protocol.CodeSessionInvalid, "session expired"), "")
			return
		}
	}

	if !c.limiter.Allow() {
		c.sendError(&protocol.Error{
			Code:      protocol.CodeServerBusy,
			Msg:       "request admission throttled",
			RequestID: p.RequestID,
		}, sess.ID)
		return
	}

	if p.DataType == protocol.DataTypeVoice && p.Content.VoiceMode == protocol.VoiceModeBinary {
		c.handleBinaryVoiceRequest(sess, p)
		return
	}

	var audio []byte
	if p.DataType == protocol.DataTypeVoice {
		buf, err := ingest.DecodeInline(p.Content.Voice)
		if err != nil {
			c.sendError(&protocol.Error{
				Code:      protocol.CodeMalformedPayload,
				Msg:       "invalid base64 voice content",
				Detail:    err.Error(),
				RequestID: p.RequestID,
			}, sess.ID)
			return
		}
		audio = buf
	}

	req, ok := c.admit(sess, p)
	if !ok {
		return
	}
	c.launch(sess, req, pipeline.Input{
		SessionID: sess.ID,
		RequestID: req.ID,
		DataType:  p.DataType,
		Text:      p.Content.Text,
		Audio:     audio,
	})
}

// handleBinaryVoiceRequest covers the streamed-binary control frames: a
// start frame opens the ingest context, the end frame closes it and
// hands the assembled buffer to the pipeline.
func (c *conn) handleBinaryVoiceRequest(sess *session.Session, p protocol.RequestPayload) {
	switch p.StreamSeq {
	case 0:
		if openID, open := c.assembler.OpenRequestID(); open {
			// The existing ingest context is left undisturbed.
			c.sendError(&protocol.Error{
				Code:      protocol.CodeMalformedPayload,
				Msg:       "voice ingest already open",
				Detail:    "request " + openID + " is still streaming",
				RequestID: p.RequestID,
			}, sess.ID)
			return
		}
		if _, ok := c.admit(sess, p); !ok {
			return
		}
		if err := c.assembler.Open(p.RequestID); err != nil {
			sess.Requests.Complete(p.RequestID, request.StatusErrored)
			c.sendError(&protocol.Error{Code: protocol.CodeInternalError, Msg: "voice ingest open failed", Detail: err.Error(), RequestID: p.RequestID}, sess.ID)
			return
		}
		// A fresh ingest for this id ends the trailing-frame suppression
		// left by an earlier interrupted stream; its end frame must now
		// reach the pipeline.
		if c.discardedIngest == p.RequestID {
			c.discardedIngest = ""
		}
	case protocol.TerminalSeq:
		if c.discardedIngest == p.RequestID {
			// Trailing end frame of an interrupted ingest; interrupt
			// silently truncates input.
			c.discardedIngest = ""
			return
		}
		buf, err := c.assembler.Close(p.RequestID)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrNoContext):
				c.sendError(&protocol.Error{Code: protocol.CodeMalformedPayload, Msg: "no open voice ingest", RequestID: p.RequestID}, sess.ID)
			case errors.Is(err, ingest.ErrRequestMismatch):
				c.sendError(&protocol.Error{Code: protocol.CodeStreamSeqError, Msg: "end frame does not match open ingest", RequestID: p.RequestID}, sess.ID)
			default:
				c.sendError(&protocol.Error{Code: protocol.CodeInternalError, Msg: "voice ingest close failed", Detail: err.Error(), RequestID: p.RequestID}, sess.ID)
			}
			return
		}
		req, ok := sess.Requests.Get(p.RequestID)
		if !ok {
			c.sendError(&protocol.Error{Code: protocol.CodeStreamSeqError, Msg: "no admitted request for ingest", RequestID: p.RequestID}, sess.ID)
			return
		}
		if req.Cancelled() {
			sess.Requests.Complete(req.ID, request.StatusCancelled)
			c.srv.metrics.RequestTerminals.WithLabelValues(string(request.StatusCancelled)).Inc()
			return
		}
		c.launch(sess, req, pipeline.Input{
			SessionID: sess.ID,
			RequestID: req.ID,
			DataType:  protocol.DataTypeVoice,
			Audio:     buf,
		})
	default:
		c.sendError(&protocol.Error{
			Code:      protocol.CodeStreamSeqError,
			Msg:       "unexpected stream_seq for BINARY voice control frame",
			RequestID: p.RequestID,
		}, sess.ID)
	}
}

// admit runs the auto-interrupt policy and registers the request.
func (c *conn) admit(sess *session.Session, p protocol.RequestPayload) (*request.Request, bool) {
	req, autoInterrupted, err := sess.Requests.Admit(c.ctx, p.RequestID, p.DataType, p.StreamFlag, p.StreamSeq)
	if err != nil {
		if errors.Is(err, request.ErrDuplicateID) {
			c.sendError(&protocol.Error{
				Code:      protocol.CodeMalformedPayload,
				Msg:       "duplicate request_id",
				RequestID: p.RequestID,
			}, sess.ID)
		} else {
			c.sendError(&protocol.Error{Code: protocol.CodeInternalError, Msg: "admission failed", Detail: err.Error(), RequestID: p.RequestID}, sess.ID)
		}
		return nil, false
	}
	c.finishInterrupted(sess, autoInterrupted, "auto")
	return req, true
}

// finishInterrupted handles bookkeeping for freshly cancelled requests.
// Requests with a running emitter finish themselves when their token
// trips; a request still in voice ingest has no goroutine, so it is
// completed here and its ingest context discarded.
func (c *conn) finishInterrupted(sess *session.Session, ids []string, origin string) {
	for _, id := range ids {
		c.srv.metrics.Interrupts.WithLabelValues(origin).Inc()
		if c.assembler.Discard(id) {
			c.discardedIngest = id
			sess.Requests.Complete(id, request.StatusCancelled)
			c.srv.metrics.RequestTerminals.WithLabelValues(string(request.StatusCancelled)).Inc()
		}
	}
}

func (c *conn) launch(sess *session.Session, req *request.Request, in pipeline.Input) {
	snap := sess.Snapshot()
	in.RequireTTS = snap.RequireTTS
	in.Functions = snap.Functions

	runCtx, cancelBudget := context.WithTimeout(req.Context(), c.srv.cfg.RequestBudget)
	go func() {
		defer cancelBudget()

		events, err := c.srv.pipe.Run(runCtx, in)
		if err != nil {
			c.sendError(&protocol.Error{
				Code:      protocol.CodeInternalError,
				Msg:       "pipeline start failed",
				Detail:    err.Error(),
				RequestID: req.ID,
			}, sess.ID)
			sess.Requests.Complete(req.ID, request.StatusErrored)
			c.srv.metrics.RequestTerminals.WithLabelValues(string(request.StatusErrored)).Inc()
			return
		}

		status := emitter.Stream(runCtx, sess.ID, req, events, c.send, c.srv.metrics)
		sess.Requests.Complete(req.ID, status)
		c.srv.metrics.RequestTerminals.WithLabelValues(string(status)).Inc()
	}()
}

func (c *conn) handleInterrupt(sessionID string, p protocol.InterruptPayload) {
	sess, ok := c.scoped(sessionID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "client_interrupt"
	}

	var ids []string
	status := protocol.InterruptStatusSuccess
	if p.InterruptRequestID != "" {
		ids = sess.Requests.Interrupt(p.InterruptRequestID, reason)
		if len(ids) == 0 {
			status = protocol.InterruptStatusPartial
		}
	} else {
		ids = sess.Requests.InterruptAll(reason)
	}
	c.finishInterrupted(sess, ids, "explicit")

	if ids == nil {
		ids = []string{}
	}
	c.send(protocol.NewEnvelope(protocol.TypeInterruptAck, sess.ID, protocol.InterruptAckPayload{
		InterruptedRequestIDs: ids,
		Status:                status,
	}))
}

func (c *conn) handleSessionQuery(sessionID string, p protocol.SessionQueryPayload) {
	sess, ok := c.scoped(sessionID)
	if !ok {
		return
	}
	data, err := c.srv.registry.Query(sess.ID, p.QueryFields)
	if err != nil {
		c.sendError(protocol.NewError(protocol.CodeSessionInvalid, "session expired"), "")
		return
	}
	c.send(protocol.NewEnvelope(protocol.TypeSessionInfo, sess.ID, protocol.SessionInfoPayload{
		Status:      "SUCCESS",
		SessionData: data,
	}))
}

func (c *conn) handleShutdown(sessionID string, p protocol.ShutdownPayload) {
	reason := p.Reason
	if reason == "" {
		reason = "client_shutdown"
	}
	if sess := c.sess.Load(); sess != nil && sessionID == sess.ID {
		c.srv.metrics.SessionEvents.WithLabelValues("shutdown").Inc()
	}
	c.shutdown(reason)
}
