package session

import "sync"

// EventKind identifies a session change.
type EventKind int

const (
	// EventAuthenticated fires when Initialize finds a session or a Login
	// completes.
	EventAuthenticated EventKind = iota + 1
	// EventTokenRefreshed fires after a scheduled refresh replaced the token.
	EventTokenRefreshed
	// EventLoggedOut fires after Logout or a failed refresh.
	EventLoggedOut
	// EventLoginFailed fires when a Login flow ends without a session.
	EventLoginFailed
)

func (k EventKind) String() string {
	switch k {
	case EventAuthenticated:
		return "authenticated"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventLoggedOut:
		return "logged_out"
	case EventLoginFailed:
		return "login_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Session is the snapshot taken right
// after the change.
type Event struct {
	Kind    EventKind
	Session Session
	Err     error
}

// notifier is a best-effort fan-out: slow subscribers miss events rather than
// stall the manager.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func (n *notifier) subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, 8)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	if n.subs == nil {
		n.subs = make(map[int]chan Event)
	}
	id := n.next
	n.next++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
}
