package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/GoTX/internal/logging"
)

// WebServer exposes session status and events over HTTP. It is read-only.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server serving the status, event and live endpoints.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
	}
}

// Handler returns the routing table used by WebServer.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/ws", h.handleWS)
	mux.HandleFunc("/api/config", h.handleGetConfig)
	mux.HandleFunc("/api/config/update", h.handleSetConfig)
	return mux
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web telemetry server error", logging.Err(err))
		return err
	}
	return nil
}
