package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookReadTimeout     = 30 * time.Second
	webhookWriteTimeout    = 30 * time.Second
	webhookIdleTimeout     = 60 * time.Second
	webhookShutdownTimeout = 5 * time.Second
	maxRequestBodySize     = 1024 * 1024
)

// Server is the inbound webhook HTTP server. It acknowledges 2xx as soon
// as the payload is parsed and handed off, regardless of the downstream
// outcome, so provider retry storms cannot pile up behind processing.
type Server struct {
	server    *http.Server
	port      int
	processor *Processor
	logger    *slog.Logger
	mu        sync.Mutex
	started   bool
}

func NewServer(port int, logger *slog.Logger, processor *Processor) *Server {
	return &Server{
		port:      port,
		processor: processor,
		logger:    logger.With("module", "webhook_server", "port", port),
	}
}

// Start begins serving webhook requests until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  webhookReadTimeout,
		WriteTimeout: webhookWriteTimeout,
		IdleTimeout:  webhookIdleTimeout,
	}

	s.started = true
	s.logger.Info("Starting webhook server", "addr", s.server.Addr)

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), webhookShutdownTimeout)
		defer cancel()

		err := s.Stop(shutdownCtx)
		if err != nil {
			s.logger.Error("Error during webhook server shutdown", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping webhook server")

	err := s.server.Shutdown(ctx)
	if err != nil {
		return err
	}

	s.started = false

	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"status": "error", "message": "Only POST method allowed",
		})

		return
	}

	instanceID := strings.TrimPrefix(r.URL.Path, "/webhook/")
	instanceID = strings.TrimSuffix(instanceID, "/")

	if instanceID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error", "message": "Missing instance id in path",
		})

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Error reading request body", "instance_id", instanceID, "error", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error", "message": "Error reading request body",
		})

		return
	}

	payload := make(map[string]any)

	if len(body) > 0 {
		err = json.Unmarshal(body, &payload)
		if err != nil {
			s.logger.Error("Error parsing JSON body", "instance_id", instanceID, "error", err)
			s.writeJSON(w, http.StatusBadRequest, map[string]any{
				"status": "error", "message": "Invalid JSON in request body",
			})

			return
		}
	}

	// Failures after this point are logged, never surfaced: a non-2xx here
	// only causes the provider to redeliver what dedup will discard anyway.
	err = s.processor.Process(r.Context(), instanceID, payload)
	if err != nil {
		s.logger.Error("Webhook processing failed",
			"instance_id", instanceID, "remote_addr", r.RemoteAddr, "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}
