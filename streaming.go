package gapline

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamServer exposes resource change feeds over websockets. A client
// connects to /stream?tenant=<name>&resource=<id> and receives each change
// event as one JSON text message, the same envelope carried on the wire
// protocol's notification channel.
type StreamServer struct {
	tenants *TenantManager
	logger  *slog.Logger
}

// NewStreamServer returns a websocket server over the tenant manager.
func NewStreamServer(tenants *TenantManager, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamServer{tenants: tenants, logger: logger}
}

// Handler returns the /stream HTTP handler.
func (s *StreamServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		resource := r.URL.Query().Get("resource")
		if tenant == "" || resource == "" {
			http.Error(w, "tenant and resource query parameters are required", http.StatusBadRequest)
			return
		}
		resourceID, err := ParseID(resource)
		if err != nil {
			http.Error(w, "invalid resource id", http.StatusBadRequest)
			return
		}
		engine, err := s.tenants.Engine(tenant)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		sub, err := engine.Subscribe(resourceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			return
		}
		s.logger.Debug("stream opened", "tenant", tenant, "resource", resourceID)
		go s.forward(conn, sub)
	}
}

func (s *StreamServer) forward(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	// drain client frames so close and pong handling runs
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := MarshalEvent(ev)
			if err != nil {
				s.logger.Error("event marshal failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs an HTTP server exposing /stream on the given port.
func (s *StreamServer) Serve(bind string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}
