package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hablo-ai/voicegate/internal/carrier"
	"github.com/hablo-ai/voicegate/internal/config"
	"github.com/hablo-ai/voicegate/internal/observability"
	"github.com/hablo-ai/voicegate/internal/relay"
)

type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	deps     relay.Deps
	opts     relay.Options
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, log zerolog.Logger, deps relay.Deps, opts relay.Options, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		deps:    deps,
		opts:    opts,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carriers connect server-to-server without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/perf/latency", s.handlePerfLatency)
	r.Get("/ws", s.handleCarrierWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"mode":    s.cfg.Mode,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageLatencySnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

// handleCarrierWS owns the socket: a read pump feeding the session and a
// write pump draining it, so websocket writes stay single-threaded.
func (s *Server) handleCarrierWS(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	callLogID := strings.TrimSpace(r.URL.Query().Get("call_log_id"))
	providerHint := providerFromQuery(r.URL.Query().Get("provider"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := relay.NewSession(s.log, agentID, callLogID, providerHint, s.deps, s.opts)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 256)
	outbound := make(chan []byte, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer cancel()
		_ = sess.Run(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

func providerFromQuery(raw string) carrier.Provider {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "twilio":
		return carrier.ProviderTwilio
	case "telnyx":
		return carrier.ProviderTelnyx
	default:
		return carrier.ProviderUnknown
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
