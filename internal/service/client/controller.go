// Package client keeps one logical, authenticated connection to the relay
// alive across transport failures.
//
// All state lives in a single actor goroutine. Triggers, dial results,
// inbound control frames, retry timers and send requests reach it as events
// on one channel, so no state is shared between goroutines.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	// StateAuthFailed is terminal until Reauthenticate supplies a new token.
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateAuthFailed:
		return "auth_failed"
	}
	return "unknown"
}

var (
	ErrNotReady = errors.New("connection not ready")
	ErrStopped  = errors.New("controller stopped")
)

type (
	Timer interface {
		Stop() bool
	}

	Config struct {
		Dialer  Dialer
		Token   string
		Backoff Backoff
		// Handler receives every inbound frame after auth_success, plus the
		// error frame that rejects a token, in arrival order. It may call
		// Send.
		Handler func(model.Frame)
		// OnStateChange runs on the actor goroutine and must not call back
		// into the Controller.
		OnStateChange func(state State, authed bool)
		AfterFunc     func(d time.Duration, f func()) Timer
	}

	Controller struct {
		cfg    Config
		events chan event
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
		start  sync.Once

		// owned by the actor goroutine
		state    State
		authed   bool
		attempt  int
		token    string
		conn     Conn
		gen      uint64
		timer    Timer
		retrySeq uint64

		snapshot atomic.Int64
	}

	eventKind int

	event struct {
		kind  eventKind
		gen   uint64
		conn  Conn
		err   error
		frame model.Frame
		token string
		reply chan error
	}
)

const (
	evTrigger eventKind = iota
	evDialed
	evAuthOK
	evAuthRejected
	evClosed
	evRetry
	evSend
	evReauth
)

func NewController(cfg Config) *Controller {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Handler == nil {
		cfg.Handler = func(model.Frame) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		events: make(chan event, 64),
		ctx:    ctx,
		cancel: cancel,
		token:  cfg.Token,
	}
}

// Start launches the actor and makes the first connection attempt.
func (c *Controller) Start() {
	c.start.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
	c.post(event{kind: evTrigger})
}

// NotifyForeground reports that the application became visible.
func (c *Controller) NotifyForeground() {
	c.post(event{kind: evTrigger})
}

// NotifyOnline reports that the network came back.
func (c *Controller) NotifyOnline() {
	c.post(event{kind: evTrigger})
}

// Send writes f on the current connection. It fails with ErrNotReady unless
// the connection is open and authenticated.
func (c *Controller) Send(f model.Frame) error {
	reply := make(chan error, 1)
	if !c.post(event{kind: evSend, frame: f, reply: reply}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.ctx.Done():
		return ErrStopped
	}
}

// Reauthenticate drops the current connection and starts over with token.
func (c *Controller) Reauthenticate(token string) {
	c.post(event{kind: evReauth, token: token})
}

// State returns the last published state and whether it is authenticated.
func (c *Controller) State() (State, bool) {
	v := c.snapshot.Load()
	return State(v >> 1), v&1 == 1
}

func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.stopTimer()
			c.closeConn()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evTrigger:
		// Coalesced: an attempt in flight, a live connection or a pending
		// retry already covers this trigger.
		if c.timer != nil || c.state == StateConnecting || c.state == StateOpen || c.state == StateAuthFailed {
			return
		}
		c.connect()

	case evDialed:
		if ev.gen != c.gen {
			if ev.conn != nil {
				ev.conn.Close()
			}
			return
		}
		if ev.err != nil {
			log.Debug("dial failed", zap.Int("attempt", c.attempt), zap.Error(ev.err))
			c.setState(StateClosed, false)
			c.scheduleRetry()
			return
		}
		c.conn = ev.conn
		c.setState(StateOpen, false)
		if err := c.conn.WriteFrame(model.Frame{Type: model.FrameAuth, Token: c.token}); err != nil {
			log.Debug("auth frame not sent", zap.Error(err))
			c.closeConn()
			c.setState(StateClosed, false)
			c.scheduleRetry()
			return
		}
		c.wg.Add(1)
		go c.read(c.conn, c.gen)

	case evAuthOK:
		if ev.gen != c.gen {
			return
		}
		c.attempt = 0
		c.setState(StateOpen, true)
		log.Info("connected to relay")

	case evAuthRejected:
		if ev.gen != c.gen {
			return
		}
		log.Warn("relay rejected token", zap.String("reason", ev.frame.Message))
		c.closeConn()
		c.setState(StateAuthFailed, false)

	case evClosed:
		if ev.gen != c.gen {
			return
		}
		log.Info("connection to relay lost", zap.Error(ev.err))
		c.closeConn()
		c.setState(StateClosed, false)
		c.scheduleRetry()

	case evRetry:
		if ev.gen != c.retrySeq || c.timer == nil {
			return
		}
		c.timer = nil
		c.attempt++
		if c.state == StateClosed || c.state == StateIdle {
			c.connect()
		}

	case evSend:
		if c.state != StateOpen || !c.authed {
			ev.reply <- ErrNotReady
			return
		}
		if err := c.conn.WriteFrame(ev.frame); err != nil {
			ev.reply <- err
			c.closeConn()
			c.setState(StateClosed, false)
			c.scheduleRetry()
			return
		}
		ev.reply <- nil

	case evReauth:
		c.token = ev.token
		c.stopTimer()
		c.closeConn()
		c.attempt = 0
		c.setState(StateIdle, false)
		c.connect()
	}
}

func (c *Controller) connect() {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting, false)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.cfg.Dialer.Dial(c.ctx)
		if !c.post(event{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

// read forwards inbound frames until the connection fails.
func (c *Controller) read(conn Conn, gen uint64) {
	defer c.wg.Done()

	authed := false
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			c.post(event{kind: evClosed, gen: gen, err: err})
			return
		}

		if !authed {
			switch f.Type {
			case model.FrameAuthSuccess:
				authed = true
				c.post(event{kind: evAuthOK, gen: gen})
				continue
			case model.FrameError:
				c.post(event{kind: evAuthRejected, gen: gen, frame: f})
				c.cfg.Handler(f)
				return
			}
		}
		c.cfg.Handler(f)
	}
}

func (c *Controller) scheduleRetry() {
	if c.timer != nil {
		return
	}
	c.retrySeq++
	seq := c.retrySeq
	delay := c.cfg.Backoff.Delay(c.attempt)
	log.Debug("scheduling reconnect", zap.Int("attempt", c.attempt), zap.Duration("delay", delay))
	c.timer = c.cfg.AfterFunc(delay, func() {
		c.post(event{kind: evRetry, gen: seq})
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// closeConn also invalidates every event still in flight for the old
// connection.
func (c *Controller) closeConn() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) setState(s State, authed bool) {
	c.state = s
	c.authed = authed
	v := int64(s) << 1
	if authed {
		v |= 1
	}
	c.snapshot.Store(v)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s, authed)
	}
}
