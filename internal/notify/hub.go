package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	subscriberBuffer = 64
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // events carry no content, only folder ids
	},
}

// subscriber is one websocket connection listening to a vault.
type subscriber struct {
	vaultID   string
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

// writeLoop drains queued events so Invalidate never blocks on the network.
func (s *subscriber) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Str("vault", s.vaultID).Msg("event subscriber ping failed")
				s.Close()
				return
			}
		case data := <-s.writeChan:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("vault", s.vaultID).Msg("event subscriber write failed")
				s.Close()
				return
			}
		}
	}
}

// Close stops the writer and closes the connection. It is safe to call twice.
func (s *subscriber) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeChan)
	s.conn.Close()
}

// Hub fans invalidation events out to websocket subscribers of a vault.
// A subscriber whose queue is full is disconnected.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribers returns the number of connections listening to vaultID.
func (h *Hub) Subscribers(vaultID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[vaultID])
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.vaultID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[s.vaultID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.vaultID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.vaultID)
		}
	}
}

// Invalidate queues an event for every subscriber of vaultID.
func (h *Hub) Invalidate(_ context.Context, vaultID string, folderIDs []string) error {
	data, err := json.Marshal(Event{Type: "invalidate", VaultID: vaultID, FolderIDs: folderIDs})
	if err != nil {
		return err
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[vaultID]))
	for s := range h.subs[vaultID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.writeChan <- data:
		default:
			log.Warn().Str("vault", vaultID).Msg("dropping slow event subscriber")
			h.remove(s)
			s.Close()
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket subscribed to the vault named
// by the "vault" query parameter. Incoming messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vaultID := r.URL.Query().Get("vault")
	if vaultID == "" {
		http.Error(w, "vault query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("vault", vaultID).Msg("event websocket upgrade failed")
		return
	}

	s := &subscriber{
		vaultID:   vaultID,
		conn:      conn,
		writeChan: make(chan []byte, subscriberBuffer),
		closeChan: make(chan struct{}),
	}
	h.add(s)
	go s.writeLoop()
	log.Debug().Str("vault", vaultID).Msg("event subscriber connected")

	defer func() {
		h.remove(s)
		s.Close()
		log.Debug().Str("vault", vaultID).Msg("event subscriber disconnected")
	}()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("vault", vaultID).Msg("event subscriber read error")
			}
			return
		}
	}
}
