// Package notify fans session lifecycle messages out to subscribers.
// Delivery is best-effort: a subscriber that falls behind loses
// messages and is expected to resync from the session store.
package notify

import (
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// MessageKind labels a notification.
type MessageKind string

const (
	KindSessionUpdate       MessageKind = "session_update"
	KindExecutionStep       MessageKind = "execution_step"
	KindExecutionStepUpdate MessageKind = "execution_step_update"
	KindSwapCompleted       MessageKind = "swap_completed"
)

// Message is one notification about a session.
type Message struct {
	Kind      MessageKind            `json:"kind"`
	SessionID string                 `json:"sessionId"`
	Status    session.Status         `json:"status,omitempty"`
	Step      *session.ExecutionStep `json:"step,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	At        time.Time              `json:"at"`
}

const subscriberBuffer = 16

// Notifier is a session-keyed publish/subscribe hub.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]map[chan Message]struct{}
	log  *logging.Logger
}

// New builds an empty notifier.
func New(log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Notifier{
		subs: make(map[string]map[chan Message]struct{}),
		log:  log.Component("notify"),
	}
}

// Subscribe returns a buffered channel of messages for one session and
// a cancel function that closes it.
func (n *Notifier) Subscribe(sessionID string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	n.mu.Lock()
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[chan Message]struct{})
	}
	n.subs[sessionID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if set, ok := n.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.subs, sessionID)
				}
			}
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a message to the session's subscribers, dropping it
// for any subscriber whose buffer is full.
func (n *Notifier) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs[msg.SessionID] {
		select {
		case ch <- msg:
		default:
			n.log.Debug("dropping message for slow subscriber",
				"session", msg.SessionID, "kind", msg.Kind)
		}
	}
}

// SubscriberCount reports the number of subscribers for a session.
func (n *Notifier) SubscriberCount(sessionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[sessionID])
}
