package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwhitford/duraq/internal/queue"
	"github.com/mwhitford/duraq/internal/queue/store"
)

type Server struct {
	store       store.Store
	addr        string
	timeout     time.Duration
	statsWindow time.Duration
}

func NewServer(addr string, s store.Store, statsWindow time.Duration) *http.Server {
	srv := &Server{
		store:       s,
		addr:        addr,
		timeout:     10 * time.Second,
		statsWindow: statsWindow,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// enqueue: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleEnqueue)

		// claim: POST /v1/queues/{queue}:claim
		r.Post("/queues/{queue}:claim", srv.handleClaim)

		// complete: POST /v1/messages/{id}:complete
		r.Post("/messages/{id}:complete", srv.handleComplete)

		// stats: GET /v1/queues/{queue}/stats
		r.Get("/queues/{queue}/stats", srv.handleStats)

		// dead letters: GET /v1/queues/{queue}/dead-letters
		r.Get("/queues/{queue}/dead-letters", srv.handleListDeadLetters)

		// redrive: POST /v1/dead-letters/{id}:redrive
		r.Post("/dead-letters/{id}:redrive", srv.handleRedrive)
	})

	return &http.Server{
		Addr:    srv.addr,
		Handler: r,
	}
}

// Handler exposes the router for tests.
func Handler(s store.Store, statsWindow time.Duration) http.Handler {
	return NewServer("", s, statsWindow).Handler
}

type enqueueRequest struct {
	Type          string          `json:"type"`
	Body          json.RawMessage `json:"body"`
	Priority      int             `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	DelayMS       int64           `json:"delay_ms,omitempty"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries    *int            `json:"max_retries,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

type claimRequest struct {
	Type       string `json:"type,omitempty"`
	ClaimantID string `json:"claimant_id"`
}

type messageResponse struct {
	ID            int64           `json:"id"`
	Queue         string          `json:"queue"`
	Type          string          `json:"type"`
	Body          json.RawMessage `json:"body"`
	Priority      int             `json:"priority"`
	Status        queue.Status    `json:"status"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	CreatedAt     time.Time       `json:"created_at"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	ClaimStarted  *time.Time      `json:"claim_started_at,omitempty"`
	ClaimantID    *string         `json:"claimant_id,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
}

type completeRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type completeResponse struct {
	Outcome queue.CompleteOutcome `json:"outcome"`
}

type statsResponse struct {
	Queue                   string           `json:"queue"`
	StatusCounts            map[string]int64 `json:"status_counts"`
	DeadLetterCount         int64            `json:"dead_letter_count"`
	OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
	MeanProcessingMs        float64          `json:"mean_processing_ms"`
	P95ProcessingMs         float64          `json:"p95_processing_ms"`
	ThroughputPerMinute     float64          `json:"throughput_per_minute"`
	WindowSeconds           float64          `json:"window_seconds"`
}

type deadLetterResponse struct {
	ID             int64           `json:"id"`
	MessageID      int64           `json:"message_id"`
	Queue          string          `json:"queue"`
	Type           string          `json:"type"`
	Body           json.RawMessage `json:"body"`
	Priority       int             `json:"priority"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	Reason         string          `json:"reason"`
	LastError      *string         `json:"last_error,omitempty"`
}

// ---------- Handlers ----------

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.Body) == 0 || string(req.Body) == "null" {
		httpError(w, http.StatusBadRequest, "`body` is required")
		return
	}

	opts := []queue.EnqueueOption{queue.WithPriority(req.Priority)}
	if req.CorrelationID != "" {
		opts = append(opts, queue.WithCorrelationID(req.CorrelationID))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, queue.WithScheduledAt(*req.ScheduledAt))
	} else if req.DelayMS > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	msg := queue.NewMessage(qname, req.Type, []byte(req.Body), opts...)
	id, err := s.store.Enqueue(r.Context(), msg)
	if err != nil {
		writeStoreError(w, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: id})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	msg, err := s.store.Claim(r.Context(), queue.ClaimOptions{
		Queue:      qname,
		Type:       req.Type,
		ClaimantID: req.ClaimantID,
	})
	if err != nil {
		writeStoreError(w, err, "claim failed")
		return
	}
	if msg == nil {
		// Nothing eligible; not an error.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	outcome, err := s.store.Complete(r.Context(), id, req.Success, req.Error)
	if err != nil {
		writeStoreError(w, err, "complete failed")
		return
	}
	writeJSON(w, http.StatusOK, &completeResponse{Outcome: outcome})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	window := s.statsWindow
	if v := r.URL.Query().Get("window_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			httpError(w, http.StatusBadRequest, "invalid window_seconds")
			return
		}
		window = time.Duration(secs) * time.Second
	}

	st, err := s.store.Stats(r.Context(), qname, window)
	if err != nil {
		writeStoreError(w, err, "stats failed")
		return
	}

	counts := make(map[string]int64, len(st.StatusCounts))
	for k, v := range st.StatusCounts {
		counts[string(k)] = v
	}
	writeJSON(w, http.StatusOK, &statsResponse{
		Queue:                   st.Queue,
		StatusCounts:            counts,
		DeadLetterCount:         st.DeadLetterCount,
		OldestPendingAgeSeconds: st.OldestPendingAge.Seconds(),
		MeanProcessingMs:        st.MeanProcessingMs,
		P95ProcessingMs:         st.P95ProcessingMs,
		ThroughputPerMinute:     st.ThroughputPerMinute,
		WindowSeconds:           st.Window.Seconds(),
	})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.store.ListDeadLetters(r.Context(), qname, limit, offset)
	if err != nil {
		writeStoreError(w, err, "list dead letters failed")
		return
	}

	resp := make([]deadLetterResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, deadLetterResponse{
			ID:             rec.ID,
			MessageID:      rec.MessageID,
			Queue:          rec.Queue,
			Type:           rec.Type,
			Body:           json.RawMessage(rec.Body),
			Priority:       rec.Priority,
			CorrelationID:  rec.CorrelationID,
			RetryCount:     rec.RetryCount,
			MaxRetries:     rec.MaxRetries,
			CreatedAt:      rec.CreatedAt,
			DeadLetteredAt: rec.DeadLetteredAt,
			Reason:         rec.Reason,
			LastError:      rec.LastError,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return
	}

	newID, err := s.store.Redrive(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "redrive failed")
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: newID})
}

// ---------- helpers ----------

func toMessageResponse(m *queue.Message) *messageResponse {
	return &messageResponse{
		ID:            m.ID,
		Queue:         m.Queue,
		Type:          m.Type,
		Body:          json.RawMessage(m.Body),
		Priority:      m.Priority,
		Status:        m.Status,
		CorrelationID: m.CorrelationID,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		CreatedAt:     m.CreatedAt,
		ScheduledAt:   m.ScheduledAt,
		ClaimStarted:  m.ClaimStarted,
		ClaimantID:    m.ClaimantID,
		LastError:     m.LastError,
	}
}

// writeStoreError maps the error taxonomy onto status codes: validation 400,
// missing 404, lifecycle violations 409, everything else (storage) 500.
func writeStoreError(w http.ResponseWriter, err error, context string) {
	switch {
	case queue.IsValidation(err):
		httpError(w, http.StatusBadRequest, "%s: %v", context, err)
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, "%s: %v", context, err)
	case errors.Is(err, queue.ErrNotProcessing):
		httpError(w, http.StatusConflict, "%s: %v", context, err)
	default:
		httpError(w, http.StatusInternalServerError, "%s: %v", context, err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
