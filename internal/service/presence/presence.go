package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/metrics"
	"e2e_relay/internal/service/registry"
)

// DefaultTypingWindow is how long a typing signal stays active after receipt.
const DefaultTypingWindow = 2 * time.Second

type (
	Lookup interface {
		Lookup(identity string) (registry.Session, bool)
	}

	// Broadcaster forwards typing signals between live sessions. Signals for
	// offline recipients are dropped.
	Broadcaster struct {
		sessions Lookup
	}

	// TypingTracker is the receiving side's view of who is typing. A new
	// signal from a sender replaces the previous one.
	TypingTracker struct {
		mu     sync.Mutex
		window time.Duration
		now    func() time.Time
		last   map[string]time.Time
	}
)

func NewBroadcaster(sessions Lookup) *Broadcaster {
	return &Broadcaster{sessions: sessions}
}

// SignalTyping reports whether the signal reached a live session.
func (b *Broadcaster) SignalTyping(from, to string) bool {
	s, ok := b.sessions.Lookup(to)
	if !ok {
		metrics.TypingSignals.WithLabelValues("dropped").Inc()
		return false
	}

	data, err := json.Marshal(model.Frame{Type: model.FrameTyping, From: from})
	if err != nil {
		return false
	}
	if err := s.Send(data); err != nil {
		metrics.TypingSignals.WithLabelValues("dropped").Inc()
		return false
	}
	metrics.TypingSignals.WithLabelValues("forwarded").Inc()
	return true
}

func NewTypingTracker(window time.Duration, now func() time.Time) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{
		window: window,
		now:    now,
		last:   make(map[string]time.Time),
	}
}

func (t *TypingTracker) Observe(from string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[from] = t.now()
}

// Active reports whether from signalled typing less than the window ago.
func (t *TypingTracker) Active(from string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.last[from]
	if !ok {
		return false
	}
	if t.now().Sub(at) >= t.window {
		delete(t.last, from)
		return false
	}
	return true
}

// ActiveAll returns every sender currently typing, sorted.
func (t *TypingTracker) ActiveAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []string
	for from, at := range t.last {
		if now.Sub(at) >= t.window {
			delete(t.last, from)
			continue
		}
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

// Prune drops every expired entry.
func (t *TypingTracker) Prune() {
	t.ActiveAll()
}
