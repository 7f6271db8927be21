package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendpool/core/events"
	"lendpool/core/types"
	"lendpool/observability"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultStreamQueue = 64
)

// Hub fans engine events out to websocket subscribers. Subscribers that fall
// behind lose events rather than slowing the engine down.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	pool string
	loan string
	ch   chan *types.Event
}

func (s *subscription) matches(evt *types.Event) bool {
	if s.pool != "" && evt.Attributes["pool"] != s.pool {
		return false
	}
	if s.loan != "" && evt.Attributes["loan"] != s.loan {
		return false
	}
	return true
}

// NewHub returns a hub queueing up to buffer events per subscriber.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultStreamQueue
	}
	return &Hub{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(payload) {
			continue
		}
		select {
		case sub.ch <- payload.Clone():
		default:
			observability.ModuleMetrics().RecordThrottle("lending", "stream_drop")
		}
	}
}

func (h *Hub) subscribe(pool, loan string) (*subscription, func()) {
	sub := &subscription{pool: pool, loan: loan, ch: make(chan *types.Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stream == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled")
		return
	}
	query := r.URL.Query()
	sub, cancel := s.cfg.Stream.subscribe(strings.TrimSpace(query.Get("pool")), strings.TrimSpace(query.Get("loan")))
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are only needed to observe the client closing the connection.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.ch:
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
