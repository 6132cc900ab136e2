// Package monitor publishes transfer lifecycle events to WebSocket
// observers. Observers are passive; a slow one is disconnected rather than
// allowed to hold up a transfer.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/udpftp/internal/util"
)

// EventType identifies a transfer lifecycle step.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventAborted   EventType = "aborted"
)

// Event is the JSON structure pushed to observers.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Op        string    `json:"op"`
	Path      string    `json:"path"`
	Mode      string    `json:"mode"`
	Bytes     int64     `json:"bytes,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber owns one observer connection and its writer goroutine.
type subscriber struct {
	conn *websocket.Conn
	out  chan Event
	once sync.Once
	mu   sync.Mutex // serializes writes on conn
}

// write runs fn guarded by the subscriber's write mutex.
func (s *subscriber) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.out)
		s.conn.Close()
	})
}

// Hub fans events out to every connected observer. A nil *Hub is valid and
// discards everything.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	listener net.Listener
}

// NewHub creates a hub with no observers.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Start serves /ws on addr. Returns the bound address.
func (h *Hub) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("monitor feed on ws://%s/ws", listener.Addr())
	return listener.Addr(), nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &subscriber{conn: conn, out: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	util.LogDebug("monitor observer %s connected", conn.RemoteAddr())

	go h.writeLoop(s)

	// Observers never send anything; reading only detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(s)
				return
			}
		}
	}()
}

func (h *Hub) writeLoop(s *subscriber) {
	for e := range s.out {
		err := s.write(func() error {
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return s.conn.WriteJSON(e)
		})
		if err != nil {
			h.drop(s)
			return
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.close()
		util.LogDebug("monitor observer %s disconnected", s.conn.RemoteAddr())
	}
}

// Publish queues e for every observer without blocking.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.Lock()
	var slow []*subscriber
	for s := range h.subs {
		select {
		case s.out <- e:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		util.LogWarning("monitor observer %s too slow, dropping", s.conn.RemoteAddr())
		h.drop(s)
	}
}

// Subscribers returns the number of connected observers.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops listening and disconnects every observer.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.write(func() error {
			return s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		})
		s.close()
	}
}

// ---------------------------------------------------------------------------
// Observer side
// ---------------------------------------------------------------------------

// Watch dials a monitor feed and calls fn for every event until ctx is done
// or the server closes the feed.
func Watch(ctx context.Context, url string, fn func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to monitor: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("monitor feed: %w", err)
		}
		fn(e)
	}
}
