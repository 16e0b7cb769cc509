// Package httpapi is the thin HTTP adapter over the core broker: it
// translates the six queue verbs onto plain REST endpoints and nothing
// more — routing, auth, and JSON shaping are the "external
// collaborator" layer the core engine has no dependency on.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/spartan/internal/config"
	"github.com/oriys/spartan/internal/logging"
	"github.com/oriys/spartan/internal/message"
	"github.com/oriys/spartan/internal/metrics"
	"github.com/oriys/spartan/internal/node"
	"github.com/oriys/spartan/internal/queue"
)

// Server wires the node's queues to a net/http.ServeMux.
type Server struct {
	manager    *node.Manager
	accessKeys []config.AccessKey
	metrics    *metrics.Metrics
}

// New builds the HTTP adapter. accessKeys may be empty, in which case
// every request is allowed (matching a config with no access_keys
// entries — auth is opt-in per spec).
func New(manager *node.Manager, accessKeys []config.AccessKey, m *metrics.Metrics) *Server {
	return &Server{manager: manager, accessKeys: accessKeys, metrics: m}
}

// Handler builds the routed, auth-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queue/{name}", s.handlePush)
	mux.HandleFunc("GET /queue/{name}/peek", s.handlePeek)
	mux.HandleFunc("POST /queue/{name}/pop", s.handlePop)
	mux.HandleFunc("POST /queue/{name}/{id}/requeue", s.handleRequeue)
	mux.HandleFunc("DELETE /queue/{name}/{id}", s.handleDelete)
	mux.HandleFunc("GET /queue/{name}/size", s.handleSize)
	mux.HandleFunc("POST /queue/{name}/clear", s.handleClear)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withAuth(mux)
}

// A push with max_tries or timeout_ms omitted gets a single try and a
// 30s reservation window rather than Go's zero values, which would
// otherwise mean "exhausted before the first pop" and "never expires".
const (
	defaultMaxTries uint32 = 1
	defaultTimeout         = 30 * time.Second
)

type pushRequest struct {
	Body      string  `json:"body"`
	DelayMS   *int64  `json:"delay_ms,omitempty"`
	OffsetMS  int64   `json:"offset_ms,omitempty"`
	MaxTries  *uint32 `json:"max_tries,omitempty"`
	TimeoutMS *int64  `json:"timeout_ms,omitempty"`
}

type messageResponse struct {
	ID           string     `json:"id"`
	Body         string     `json:"body"`
	Tries        uint32     `json:"tries"`
	MaxTries     uint32     `json:"max_tries"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, errBodyRequired)
		return
	}
	var delay *time.Duration
	if req.DelayMS != nil {
		d := time.Duration(*req.DelayMS) * time.Millisecond
		delay = &d
	}
	maxTries := defaultMaxTries
	if req.MaxTries != nil {
		maxTries = *req.MaxTries
	}
	timeout := defaultTimeout
	if req.TimeoutMS != nil {
		timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}
	offset := time.Duration(req.OffsetMS) * time.Millisecond

	s.withQueue(w, r, func(q *queue.Queue) {
		msg := message.New([]byte(req.Body), delay, offset, maxTries, timeout)
		if err := q.Push(msg, time.Now()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if s.metrics != nil {
			s.metrics.MessagesPushedTotal.WithLabelValues(name).Inc()
		}
		writeJSON(w, http.StatusCreated, toResponse(msg))
	})
}

var errBodyRequired = &composeError{"message body is required"}

type composeError struct{ msg string }

func (e *composeError) Error() string { return e.msg }

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	s.withQueue(w, r, func(q *queue.Queue) {
		msg, err := q.Peek(time.Now())
		if err != nil {
			writeQueueErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(msg))
	})
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.withQueue(w, r, func(q *queue.Queue) {
		msg, err := q.Pop(time.Now())
		if err != nil {
			writeQueueErr(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.MessagesPoppedTotal.WithLabelValues(name).Inc()
		}
		writeJSON(w, http.StatusOK, toResponse(msg))
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.withQueue(w, r, func(q *queue.Queue) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := q.Requeue(id, time.Now()); err != nil {
			writeQueueErr(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.MessagesRequeued.WithLabelValues(name).Inc()
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.withQueue(w, r, func(q *queue.Queue) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg, err := q.Delete(id)
		if err != nil {
			writeQueueErr(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.MessagesDeleted.WithLabelValues(name).Inc()
		}
		writeJSON(w, http.StatusOK, toResponse(msg))
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.withQueue(w, r, func(q *queue.Queue) {
		if err := q.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	s.withQueue(w, r, func(q *queue.Queue) {
		writeJSON(w, http.StatusOK, map[string]int{"size": q.Size()})
	})
}

func (s *Server) withQueue(w http.ResponseWriter, r *http.Request, fn func(*queue.Queue)) {
	q, err := s.manager.Queue(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	fn(q)
}

func writeQueueErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNoMessageAvailable):
		writeError(w, http.StatusNoContent, err)
	case errors.Is(err, queue.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("http response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func toResponse(msg *message.Message) messageResponse {
	return messageResponse{
		ID:           msg.ID.String(),
		Body:         string(msg.Body),
		Tries:        msg.Tries,
		MaxTries:     msg.MaxTries,
		DispatchedAt: msg.DispatchedAt,
	}
}
