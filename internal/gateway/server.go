package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/providers"
	"github.com/relaylabs/relay/internal/router"
	"github.com/relaylabs/relay/internal/store"
	"github.com/relaylabs/relay/pkg/models"
)

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string

	// RequestTimeout bounds webhook handling. Zero disables the bound.
	RequestTimeout time.Duration

	// Version is reported by the health endpoint.
	Version string
}

// Server is the HTTP surface of the runtime.
type Server struct {
	cfg     ServerConfig
	mux     *Mux
	router  *router.Router
	bus     *events.Bus
	stores  *store.Stores
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer wires the gateway routes.
func NewServer(cfg ServerConfig, rt *router.Router, bus *events.Bus, stores *store.Stores, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		mux:     NewMux(),
		router:  rt,
		bus:     bus,
		stores:  stores,
		metrics: metrics,
		logger:  logger.With("component", "gateway"),
	}

	s.mux.HandleFunc(http.MethodGet, "/health", s.handleHealth)
	s.mux.HandleFunc(http.MethodGet, "/api/status", s.handleStatus)
	s.mux.HandleFunc(http.MethodGet, "/api/models", s.handleListModels)
	s.mux.HandleFunc(http.MethodGet, "/api/models/:id", s.handleGetModel)
	s.mux.HandleFunc(http.MethodPost, "/webhook", s.handleWebhook)
	s.mux.HandleFunc(http.MethodGet, "/ws", s.handleWebSocket)
	if metrics != nil {
		s.mux.Handle(http.MethodGet, "/metrics", metrics.Handler())
	}
	return s
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"version":   s.cfg.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var localModel any
	if s.stores != nil {
		if m, err := s.stores.Models.ActiveModel(r.Context()); err == nil {
			localModel = m.ID
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routing":    string(s.router.CurrentConfig().Mode),
		"localModel": localModel,
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.stores.Models.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []*models.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := Params(r)["id"]
	m, err := s.stores.Models.GetModel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": providers.ErrUnknownModel.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

type webhookRequest struct {
	Message  string         `json:"message"`
	UserID   string         `json:"userId"`
	Channel  string         `json:"channel"`
	Metadata map[string]any `json:"metadata"`
}

// handleWebhook submits a task and blocks until it reaches a terminal
// event, then answers with the full response text.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing message"})
		return
	}

	channelID := req.Channel
	if channelID == "" {
		channelID = "webhook"
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	task := &models.Task{
		ID:        newTaskID(),
		Channel:   models.ChannelWebhook,
		ChannelID: channelID,
		UserID:    userID,
		Message:   req.Message,
		Metadata:  req.Metadata,
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	// Subscribe before submitting so no event is missed.
	sub := s.bus.SubscribeTask(task.ID)
	defer sub.Cancel()

	if _, err := s.router.Submit(ctx, task); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	for {
		select {
		case <-ctx.Done():
			// The submitter is gone or the request timed out: the task
			// is cancelled.
			if _, err := s.router.Cancel(context.Background(), task.ID); err != nil {
				s.logger.Warn("cancel after timeout failed", "task_id", task.ID, "error", err)
			}
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Request timeout"})
			return

		case ev, ok := <-sub.Events():
			if !ok {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event stream closed"})
				return
			}
			switch ev.Type {
			case models.EventComplete:
				writeJSON(w, http.StatusOK, map[string]string{"response": ev.Response})
				return
			case models.EventError:
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": ev.Error})
				return
			case models.EventCancelled, models.EventDropped:
				writeJSON(w, http.StatusConflict, map[string]string{"error": string(ev.Type)})
				return
			}
		}
	}
}
