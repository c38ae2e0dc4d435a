package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"feedin-alerts/internal/distributor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a websocket connection to distributor.Subscriber.
type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	writeM sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{id: uuid.NewString(), conn: conn}
}

func (w *wsSubscriber) ID() string { return w.id }
func (w *wsSubscriber) Open() bool { return !w.closed.Load() }

func (w *wsSubscriber) Send(msg distributor.Message) error {
	w.writeM.Lock()
	defer w.writeM.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

func (w *wsSubscriber) ping() error {
	w.writeM.Lock()
	defer w.writeM.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsSubscriber) close() {
	w.closed.Store(true)
	w.once.Do(func() { _ = w.conn.Close() })
}

func (s *Server) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	sub := newWSSubscriber(conn)
	defer sub.close()
	if !s.track(sub) {
		return
	}
	defer s.untrack(sub.ID())

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.startReader(sub, done)

	s.hub.Subscribe(sub)
	defer s.hub.Unsubscribe(sub.ID())
	s.logger.Info().Str("subscriber", sub.ID()).Msg("subscriber connected")

	if err := s.hub.PushSnapshot(c.Request.Context(), sub); err != nil {
		s.logger.Warn().Err(err).Str("subscriber", sub.ID()).Msg("initial snapshot push failed")
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Info().Str("subscriber", sub.ID()).Msg("subscriber disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := sub.ping(); err != nil {
				s.logger.Debug().Err(err).Str("subscriber", sub.ID()).Msg("ws ping failed")
				return
			}
		}
	}
}

// startReader drains incoming frames so control messages are handled and closure is detected.
func (s *Server) startReader(sub *wsSubscriber, done chan<- struct{}) {
	defer close(done)
	defer sub.closed.Store(true)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// track registers a live connection. It reports false once the server is closing.
func (s *Server) track(sub *wsSubscriber) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closing {
		return false
	}
	s.subs[sub.ID()] = sub
	return true
}

func (s *Server) untrack(id string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

// closeSubscribers closes every tracked connection; their handlers then unwind.
func (s *Server) closeSubscribers() {
	s.subsMu.Lock()
	s.closing = true
	subs := make([]*wsSubscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		s.logger.Info().Int("count", len(subs)).Msg("closed websocket subscribers")
	}
}
