package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/metrics"
	"e2e_relay/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10

	requeueTimeout = 5 * time.Second
)

// Error frame messages seen by clients.
const (
	msgAuthFirst    = "Please authenticate first"
	msgInvalidToken = "Invalid token"
	msgMalformed    = "Malformed frame"
	msgInvalidMsg   = "Invalid message"
	msgUnknownType  = "Unknown frame type"
	msgRateLimited  = "rate limit exceeded"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateRejected
)

type (
	// wsSession owns one websocket. Reads happen on the handler goroutine;
	// all writes go through out and the single writeLoop goroutine, so Send
	// never blocks the caller.
	wsSession struct {
		identity string
		remote   string
		ws       *websocket.Conn
		out      chan outbound

		ctx    context.Context
		cancel context.CancelFunc
	}

	outbound struct {
		data []byte
		// closeCode != 0 ends the stream with a close message.
		closeCode int
		closeText string
	}
)

func newSession(ws *websocket.Conn, buffer int, remote string) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		remote: remote,
		ws:     ws,
		out:    make(chan outbound, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSession) Identity() string {
	return s.identity
}

func (s *wsSession) Send(data []byte) error {
	return s.enqueue(outbound{data: data})
}

func (s *wsSession) enqueue(o outbound) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- o:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		return errSendBufferFull
	}
}

func (s *wsSession) sendFrame(f model.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("marshal frame failed", zap.String("type", f.Type), zap.Error(err))
		return
	}
	if err := s.Send(data); err != nil {
		log.Debug("frame not sent", zap.String("type", f.Type), zap.String("remote", s.remote), zap.Error(err))
	}
}

// reject sends a final error frame and then closes the connection.
func (s *wsSession) reject(message string) {
	s.sendFrame(model.ErrorFrame(message))
	if err := s.enqueue(outbound{closeCode: websocket.ClosePolicyViolation, closeText: message}); err != nil {
		s.close()
	}
}

func (s *wsSession) close() {
	s.cancel()
	s.ws.Close()
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case o := <-s.out:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if o.closeCode != 0 {
				s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(o.closeCode, o.closeText))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, o.data); err != nil {
				log.Debug("websocket write failed", zap.String("remote", s.remote), zap.Error(err))
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// serve runs the read side of one connection until it closes.
func (s *HttpServer) serve(sess *wsSession) {
	defer s.release(sess)

	sess.ws.SetReadLimit(maxFrameSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		return sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	state := stateUnauthenticated
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("websocket closed", zap.String("identity", sess.identity), zap.Error(err))
			}
			return
		}
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))

		if state == stateRejected {
			continue
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.sendFrame(model.ErrorFrame(msgMalformed))
			continue
		}

		switch state {
		case stateUnauthenticated:
			state = s.authenticate(sess, f)
		case stateAuthenticated:
			s.dispatch(sess, f)
		}
	}
}

func (s *HttpServer) authenticate(sess *wsSession, f model.Frame) connState {
	if f.Type != model.FrameAuth {
		sess.sendFrame(model.ErrorFrame(msgAuthFirst))
		return stateUnauthenticated
	}

	identity, err := s.tokens.Verify(sess.ctx, f.Token)
	if err != nil {
		metrics.AuthResults.WithLabelValues("rejected").Inc()
		log.Info("websocket auth rejected", zap.String("remote", sess.remote), zap.Error(err))
		sess.reject(msgInvalidToken)
		return stateRejected
	}
	metrics.AuthResults.WithLabelValues("accepted").Inc()

	sess.identity = identity
	if prev := s.sessions.Bind(identity, sess); prev != nil {
		// The older connection stays open until it closes on its own; it
		// just stops receiving live traffic.
		log.Info("session superseded", zap.String("identity", identity), zap.String("remote", sess.remote))
	} else {
		metrics.LiveSessions.Inc()
	}
	sess.sendFrame(model.Frame{Type: model.FrameAuthSuccess})

	s.drain(sess)
	// The drain may outlast the read deadline set before it.
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	return stateAuthenticated
}

// drain pushes the offline queue before anything else is read from sess.
// Ack deadlines of drained frames start when it returns, since their acks
// wait unread until then.
func (s *HttpServer) drain(sess *wsSession) {
	d := s.engine.BeginDrain(sess)
	n, err := s.queue.Deliver(sess.ctx, d, s.opts.DrainSpacing)
	if err == nil {
		d.Finish()
		if n > 0 {
			log.Debug("offline queue drained", zap.String("identity", sess.identity), zap.Int("delivered", n))
		}
		return
	}

	log.Warn("offline queue drain incomplete", zap.String("identity", sess.identity), zap.Int("delivered", n), zap.Error(err))
	// Frames pushed before the failure go back ahead of the requeued rest.
	rest := d.Abort()
	if len(rest) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := s.queue.Requeue(ctx, sess.identity, rest); err != nil {
		log.Error("requeue of pushed frames failed", zap.String("identity", sess.identity), zap.Int("lost", len(rest)), zap.Error(err))
	}
}

func (s *HttpServer) dispatch(sess *wsSession, f model.Frame) {
	switch f.Type {
	case model.FrameAck:
		s.engine.Ack(sess.identity, f.ID)

	case model.FrameMessage, model.FrameTyping:
		if !s.limiter.Allow(sess.identity, time.Now()) {
			metrics.RateLimited.Inc()
			sess.sendFrame(model.ErrorFrame(msgRateLimited))
			return
		}
		if f.Type == model.FrameTyping {
			s.typing.SignalTyping(sess.identity, f.To)
			return
		}
		if _, err := s.engine.Relay(sess.identity, f.To, f.Text, f.Nonce, f.Timestamp); err != nil {
			log.Debug("relay rejected", zap.String("from", sess.identity), zap.Error(err))
			sess.sendFrame(model.ErrorFrame(msgInvalidMsg))
		}

	case model.FrameAuth:
		// Already authenticated on this connection.

	default:
		sess.sendFrame(model.ErrorFrame(msgUnknownType))
	}
}

func (s *HttpServer) release(sess *wsSession) {
	sess.close()
	s.conns.Delete(sess)
	if sess.identity != "" && s.sessions.Unbind(sess.identity, sess) {
		metrics.LiveSessions.Dec()
		log.Debug("session unbound", zap.String("identity", sess.identity))
	}
}
