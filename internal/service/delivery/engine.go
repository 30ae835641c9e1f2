// Package delivery implements the acknowledgement-based delivery guarantee.
// Every relayed message is pushed to the recipient's live session, if any,
// and armed with an ack deadline. A message not acknowledged in time moves
// to the recipient's offline queue. Ack and deadline race through a single
// compare-and-swap per message, so exactly one of them wins. Expired
// messages reach the queue in the order they were tracked for that
// recipient.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/metrics"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	statePending int32 = iota
	stateAcked
	stateQueued
	// resolved without an ack and without being queued here; the caller
	// owns the frame again
	stateWithdrawn
)

const enqueueTimeout = 5 * time.Second

var ErrInvalidEnvelope = errors.New("invalid envelope")

type (
	Lookup interface {
		Lookup(identity string) (registry.Session, bool)
	}

	Enqueuer interface {
		Enqueue(ctx context.Context, identity string, raw []byte) error
	}

	Engine struct {
		sessions   Lookup
		queue      Enqueuer
		ackTimeout time.Duration
		newID      func() string

		// message id -> *pendingAck
		pending sync.Map
		count   atomic.Int64
		lanes   *lanes
	}

	pendingAck struct {
		id    string
		to    string
		raw   []byte
		lane  *lane
		timer atomic.Pointer[time.Timer]
		state atomic.Int32
		// due is set once the deadline has passed; guarded by lane.mu.
		due bool
	}

	// Drain pushes queued frames to one session. Pushed frames are tracked
	// in push order, but their ack deadlines start only at Finish, once the
	// session's acks are read again.
	Drain struct {
		e    *Engine
		s    registry.Session
		held []*pendingAck
	}
)

func NewEngine(sessions Lookup, queue Enqueuer, ackTimeout time.Duration) *Engine {
	return &Engine{
		sessions:   sessions,
		queue:      queue,
		ackTimeout: ackTimeout,
		newID:      uuid.NewString,
		lanes:      newLanes(),
	}
}

// Relay assigns a message id, pushes the envelope to the recipient if it is
// live and arms the ack deadline. It returns as soon as the deadline is
// armed; the ack outcome is handled asynchronously.
func (e *Engine) Relay(from, to, text, nonce string, timestamp int64) (string, error) {
	if from == "" || to == "" {
		return "", fmt.Errorf("%w: empty from or to", ErrInvalidEnvelope)
	}

	env := &model.Envelope{
		ID:        e.newID(),
		From:      from,
		To:        to,
		Text:      text,
		Nonce:     nonce,
		Timestamp: timestamp,
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	p := &pendingAck{id: env.ID, to: to, raw: raw}
	if !e.track(p) {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidEnvelope, p.id)
	}
	e.arm(p)
	metrics.MessagesRelayed.Inc()

	// The deadline runs whether or not the recipient looks live: a live
	// session may be half-open or drop the frame.
	if s, ok := e.sessions.Lookup(to); ok {
		if err := s.Send(raw); err != nil {
			metrics.LivePushes.WithLabelValues("failed").Inc()
			log.Debug("live push failed", zap.String("id", p.id), zap.String("to", to), zap.Error(err))
		} else {
			metrics.LivePushes.WithLabelValues("sent").Inc()
		}
	} else {
		metrics.LivePushes.WithLabelValues("offline").Inc()
	}

	return p.id, nil
}

// Ack resolves messageID as delivered. Only the envelope's recipient may ack
// it, and only while it is still pending; anything else is a no-op.
func (e *Engine) Ack(from, messageID string) bool {
	v, ok := e.pending.Load(messageID)
	if !ok {
		metrics.AcksReceived.WithLabelValues("ignored").Inc()
		return false
	}
	p := v.(*pendingAck)
	if p.to != from {
		metrics.AcksReceived.WithLabelValues("ignored").Inc()
		log.Warn("ack from non-recipient ignored", zap.String("id", messageID), zap.String("from", from))
		return false
	}
	if !p.state.CompareAndSwap(statePending, stateAcked) {
		metrics.AcksReceived.WithLabelValues("ignored").Inc()
		return false
	}

	p.stop()
	e.forget(p)
	metrics.AcksReceived.WithLabelValues("resolved").Inc()
	// Expired entries behind this one may have been waiting on it.
	e.settle(p, false)
	return true
}

// BeginDrain starts a drain to s. The returned Drain is itself a session
// and is meant to be handed to the queue's drain loop.
func (e *Engine) BeginDrain(s registry.Session) *Drain {
	return &Drain{e: e, s: s}
}

func (d *Drain) Identity() string {
	return d.s.Identity()
}

// Send pushes one queued frame and tracks it under its existing id. A frame
// whose id is already awaiting an ack is pushed untracked. An entry that is
// not a message frame is dropped, so it cannot stall every later drain.
func (d *Drain) Send(raw []byte) error {
	var f model.Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.ID == "" {
		log.Warn("dropping unreadable queue entry", zap.String("identity", d.s.Identity()), zap.Error(err))
		return nil
	}

	p := &pendingAck{id: f.ID, to: d.s.Identity(), raw: raw}
	if !d.e.track(p) {
		return d.s.Send(raw)
	}
	if err := d.s.Send(raw); err != nil {
		// The drain loop requeues this frame itself.
		d.e.withdraw(p)
		d.e.settle(p, false)
		return err
	}
	d.held = append(d.held, p)
	return nil
}

// Finish starts the ack deadline of every frame pushed so far.
func (d *Drain) Finish() {
	for _, p := range d.held {
		d.e.arm(p)
	}
	d.held = nil
}

// Abort withdraws every pushed frame that is still unacknowledged and
// returns them in push order, for the caller to put back in the queue.
func (d *Drain) Abort() []string {
	var rest []string
	for _, p := range d.held {
		if d.e.withdraw(p) {
			rest = append(rest, string(p.raw))
		}
	}
	if len(d.held) > 0 {
		d.e.settle(d.held[0], false)
	}
	d.held = nil
	return rest
}

// track publishes p as pending and places it at the tail of its
// recipient's lane. It reports false if the id is already pending.
func (e *Engine) track(p *pendingAck) bool {
	e.count.Add(1)
	p.lane = e.lanes.enlist(p)
	if _, loaded := e.pending.LoadOrStore(p.id, p); loaded {
		// Never published, so only the lane can see it.
		p.state.Store(stateWithdrawn)
		e.count.Add(-1)
		e.settle(p, false)
		return false
	}
	return true
}

func (e *Engine) arm(p *pendingAck) {
	t := time.AfterFunc(e.ackTimeout, func() { e.settle(p, true) })
	p.timer.Store(t)
	if p.state.Load() != statePending {
		t.Stop()
	}
}

func (e *Engine) withdraw(p *pendingAck) bool {
	if !p.state.CompareAndSwap(statePending, stateWithdrawn) {
		return false
	}
	p.stop()
	e.forget(p)
	return true
}

// settle pops resolved entries off the head of p's lane and queues expired
// ones, stopping at the first entry still waiting for its ack. With expired
// set, p's deadline has passed.
func (e *Engine) settle(p *pendingAck, expired bool) {
	l := p.lane
	l.mu.Lock()
	if expired && p.state.Load() == statePending {
		p.due = true
	}
	for len(l.entries) > 0 {
		head := l.entries[0]
		if head.state.Load() == statePending {
			if !head.due {
				break
			}
			if !head.state.CompareAndSwap(statePending, stateQueued) {
				// acked meanwhile; popped on the next pass
				continue
			}
			e.enqueue(head)
		}
		l.entries[0] = nil
		l.entries = l.entries[1:]
	}
	empty := len(l.entries) == 0
	l.mu.Unlock()

	if empty {
		e.lanes.release(p.to, l)
	}
}

// enqueue runs under the lane lock, which keeps one recipient's appends in
// lane order.
func (e *Engine) enqueue(p *pendingAck) {
	e.forget(p)
	metrics.AckTimeouts.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	log.Debug("ack not received, queueing message", zap.String("id", p.id), zap.String("to", p.to))
	if err := e.queue.Enqueue(ctx, p.to, p.raw); err != nil {
		log.Error("queue message failed", zap.String("id", p.id), zap.String("to", p.to), zap.Error(err))
	}
}

func (e *Engine) forget(p *pendingAck) {
	e.pending.CompareAndDelete(p.id, p)
	e.count.Add(-1)
}

func (p *pendingAck) stop() {
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
}

// Pending reports the number of messages awaiting an ack.
func (e *Engine) Pending() int {
	return int(e.count.Load())
}
