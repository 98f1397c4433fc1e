package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBody bounds request bodies; feed batches are the largest.
const maxBody = 4 << 20

// NewRouter builds the control API.
//
// Routes:
//   - GET  /health
//   - GET  /metrics
//   - GET  /api/v1/status
//   - POST /api/v1/reload, /pause, /resume
//   - POST /api/v1/flag, /unflag
//   - GET  /api/v1/cache
//   - GET  /api/v1/check/{world}/{x}/{z}
//   - POST /api/v1/visits, /generated
func NewRouter(svc *Service, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	h := &handlers{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/reload", h.reload)
		r.Post("/pause", h.pause)
		r.Post("/resume", h.resume)
		r.Post("/flag", h.flag)
		r.Post("/unflag", h.unflag)
		r.Get("/cache", h.cache)
		r.Get("/check/{world}/{x}/{z}", h.check)
		r.Post("/visits", h.visits)
		r.Post("/generated", h.generated)
	})
	return r
}

type handlers struct {
	svc *Service
	log *zap.Logger
}

// Message is the body of operations that only report text.
type Message struct {
	Message string `json:"message"`
}

// ChangeResult is returned by flag and unflag.
type ChangeResult struct {
	Chunks int `json:"chunks"`
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Reload(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Message{msg})
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	// the body is optional
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Message{h.svc.Pause(req.Reason)})
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Message{h.svc.Resume(r.Context())})
}

func (h *handlers) flag(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, h.svc.Flag)
}

func (h *handlers) unflag(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, h.svc.Unflag)
}

func (h *handlers) change(w http.ResponseWriter, r *http.Request, op func(Selection) (int, error)) {
	var sel Selection
	if err := decode(w, r, &sel); err != nil {
		badRequest(w, err.Error())
		return
	}
	n, err := op(sel)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangeResult{Chunks: n})
}

func (h *handlers) cache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Cache())
}

func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.ParseInt(chi.URLParam(r, "x"), 10, 32)
	z, errZ := strconv.ParseInt(chi.URLParam(r, "z"), 10, 32)
	if errX != nil || errZ != nil {
		badRequest(w, "chunk coordinates must be 32-bit integers")
		return
	}
	rep, err := h.svc.Check(r.Context(), chi.URLParam(r, "world"), int32(x), int32(z))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) visits(w http.ResponseWriter, r *http.Request) {
	h.feed(w, r, h.svc.Visits)
}

func (h *handlers) generated(w http.ResponseWriter, r *http.Request) {
	h.feed(w, r, h.svc.Generated)
}

func (h *handlers) feed(w http.ResponseWriter, r *http.Request, op func([]ChunkReport) (FeedResult, error)) {
	var reports []ChunkReport
	if err := decode(w, r, &reports); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := op(reports)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		badRequest(w, err.Error())
	case errors.Is(err, ErrReloadUnavailable):
		writeProblem(w, http.StatusNotImplemented, "Not Implemented", err.Error())
	default:
		h.log.Error("控制指令失敗", zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{Type: "about:blank", Title: title, Status: status, Detail: detail})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, "Bad Request", detail)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
			}
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				log.Debug("控制請求", fields...)
				return
			}
			log.Info("控制請求", fields...)
		})
	}
}
