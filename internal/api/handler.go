package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/models"
	"github.com/punchamoorthee/tokenflow/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenflow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenflow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

type Handler struct {
	engine *service.Engine
	logger *slog.Logger
}

func NewHandler(engine *service.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// Router registers every endpoint and wraps them with metrics, panic recovery
// and request logging.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/prepayments", h.ExecutePrepaymentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/prepayments/estimate", h.EstimatePrepaymentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/prepayments/{signature}", h.GetPrepaymentStatusHandler).Methods(http.MethodGet)

	v1.HandleFunc("/usage", h.ClearUsageHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/usage/{serviceId}", h.RecordUsageHandler).Methods(http.MethodPost)
	v1.HandleFunc("/usage/{serviceId}", h.GetUsageRecordsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/usage/{serviceId}/summary", h.GetUsageSummaryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/usage/{serviceId}/bill", h.BillUsageHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/instant", h.InstantPaymentHandler).Methods(http.MethodPost)

	v1.HandleFunc("/streams", h.CreateStreamHandler).Methods(http.MethodPost)
	v1.HandleFunc("/streams", h.ListStreamsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}", h.GetStreamStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}/start", h.StartStreamHandler).Methods(http.MethodPost)
	v1.HandleFunc("/streams/{id}/stop", h.StopStreamHandler).Methods(http.MethodPost)
	v1.HandleFunc("/streams/{id}/refund", h.RetryRefundHandler).Methods(http.MethodPost)

	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{h.logger}))
	return handlers.CustomLoggingHandler(io.Discard, recovery(r), h.logFormatter)
}

// logFormatter sends gorilla's access log through slog.
func (h *Handler) logFormatter(_ io.Writer, p handlers.LogFormatterParams) {
	duration := time.Since(p.TimeStamp)
	h.logger.Info("request served",
		"method", p.Request.Method,
		"url", p.URL.String(),
		"status_code", p.StatusCode,
		"response_size", p.Size,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("panic serving request", "panic", v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// respondWithFlowError maps flow errors onto HTTP statuses. Ledger and network
// failures are reported as 502 without exposing the underlying cause.
func (h *Handler) respondWithFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		respondWithJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: ve.Error(), Field: ve.Field})
		return
	}

	var netErr *ledger.NetworkError
	switch {
	case errors.Is(err, service.ErrStreamNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrStreamActive),
		errors.Is(err, service.ErrStreamNotActive),
		errors.Is(err, service.ErrStreamStopped),
		errors.Is(err, service.ErrBillingInProgress),
		errors.Is(err, service.ErrNoRefundPending),
		errors.Is(err, service.ErrRefundInProgress):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNothingToBill),
		errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrPayerAccountMissing):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &netErr):
		h.logger.Warn("ledger unreachable", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "ledger unavailable")
	case errors.Is(err, ledger.ErrTransactionRejected):
		h.logger.Warn("ledger rejected transaction", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "ledger rejected transaction")
	default:
		var pe *service.PaymentError
		if errors.As(err, &pe) {
			h.logger.Error("payment failed", "path", r.URL.Path, "error", err)
			respondWithError(w, http.StatusBadGateway, "payment failed")
			return
		}
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
