package server

import (
	"context"
	"net/http"
	"time"

	"e2e_vault/internal/model"
	"e2e_vault/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// HandleEventsWS upgrades to the change feed for the session's email and flushes any queued events.
func (s *HttpServer) HandleEventsWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		email := SessionEmail(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		s.addConn(email, conn)
		go s.readLoop(email, conn)

		if err := s.ForwardQueuedEvents(context.Background(), email, conn); err != nil {
			log.Error("forward queued events failed", zap.String("email", email), zap.Error(err))
		}
	}
}

// readLoop only watches for the peer closing; clients never send on the feed.
func (s *HttpServer) readLoop(email string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("event feed closed", zap.String("email", email), zap.Error(err))
			s.removeConn(email, conn)
			return
		}
	}
}

func (s *HttpServer) ForwardQueuedEvents(ctx context.Context, email string, conn *websocket.Conn) error {
	events, err := s.GetEventsFromCache(ctx, email)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := s.write(conn, e); err != nil {
			return err
		}
	}
	return nil
}

// Publish delivers e to every recipient. Recipients without an open feed get it queued.
func (s *HttpServer) Publish(ctx context.Context, e *model.Event) {
	for _, to := range e.To {
		conns := s.conns(to)
		delivered := false
		for _, conn := range conns {
			if err := s.write(conn, e); err != nil {
				log.Debug("event write failed", zap.String("email", to), zap.Error(err))
				s.removeConn(to, conn)
				continue
			}
			delivered = true
		}
		if delivered {
			s.metrics.events.WithLabelValues("live").Inc()
			continue
		}
		if err := s.PutEventsToCache(ctx, to, e); err != nil {
			log.Error("queue event failed", zap.String("email", to), zap.Error(err))
			continue
		}
		s.metrics.events.WithLabelValues("queued").Inc()
	}
}

func (s *HttpServer) write(conn *websocket.Conn, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

func (s *HttpServer) addConn(email string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapper[email] == nil {
		s.mapper[email] = make(map[*websocket.Conn]struct{})
	}
	s.mapper[email][conn] = struct{}{}
	s.metrics.wsConnections.Inc()
}

func (s *HttpServer) removeConn(email string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.mapper[email]
	if !ok {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(s.mapper, email)
	}
	conn.Close()
	s.metrics.wsConnections.Dec()
}

func (s *HttpServer) conns(email string) []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(s.mapper[email]))
	for c := range s.mapper[email] {
		out = append(out, c)
	}
	return out
}

func (s *HttpServer) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, set := range s.mapper {
		for c := range set {
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			c.Close()
			s.metrics.wsConnections.Dec()
		}
		delete(s.mapper, email)
	}
}
