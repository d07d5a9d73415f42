package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/models"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeConfig reads a tagged flow config and checks it is the variant T.
func decodeConfig[T domain.FlowConfig](data []byte) (T, error) {
	var zero T
	cfg, err := domain.DecodeFlowConfig(data)
	if err != nil {
		return zero, err
	}
	typed, ok := cfg.(T)
	if !ok {
		return zero, fmt.Errorf("method %q not accepted here, want %q", cfg.Method(), zero.Method())
	}
	return typed, nil
}

func readConfig[T domain.FlowConfig](w http.ResponseWriter, r *http.Request) (T, bool) {
	body, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable body")
		var zero T
		return zero, false
	}
	cfg, err := decodeConfig[T](body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return cfg, false
	}
	return cfg, true
}

func (h *Handler) ExecutePrepaymentHandler(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readConfig[domain.PrepaymentConfig](w, r)
	if !ok {
		return
	}
	res, err := h.engine.Prepayments.ExecutePrepayment(r.Context(), cfg)
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/prepayments/"+res.Signature)
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) EstimatePrepaymentHandler(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readConfig[domain.PrepaymentConfig](w, r)
	if !ok {
		return
	}
	est, err := h.engine.Prepayments.EstimatePrepaymentCost(r.Context(), cfg)
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, est)
}

func (h *Handler) GetPrepaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Prepayments.GetPrepaymentStatus(r.Context(), mux.Vars(r)["signature"])
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) RecordUsageHandler(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]

	var req models.RecordUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	var (
		rec *domain.UsageRecord
		err error
	)
	switch {
	case req.AmountTokens != nil:
		if req.Units != nil {
			respondWithJSON(w, http.StatusUnprocessableEntity,
				models.ErrorResponse{Error: "amount_tokens and units are exclusive", Field: "amount_tokens"})
			return
		}
		amount, perr := domain.ParseAmount(*req.AmountTokens)
		if perr != nil {
			respondWithJSON(w, http.StatusUnprocessableEntity,
				models.ErrorResponse{Error: perr.Error(), Field: "amount_tokens"})
			return
		}
		rec, err = h.engine.Usage.RecordUsage(r.Context(), serviceID, req.UserID, amount, req.Metadata)
	case req.Units != nil:
		if req.Pricing == nil {
			respondWithJSON(w, http.StatusUnprocessableEntity,
				models.ErrorResponse{Error: "pricing is required with units", Field: "pricing"})
			return
		}
		rec, err = h.engine.Usage.RecordPricedUsage(r.Context(), serviceID, req.UserID, *req.Units, *req.Pricing, req.Metadata)
	default:
		rec, err = h.engine.Usage.RecordUsage(r.Context(), serviceID, req.UserID, req.Amount, req.Metadata)
	}
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rec)
}

// ClearUsageHandler drops the recorded usage of every service.
func (h *Handler) ClearUsageHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Usage.ClearAllUsage(r.Context()); err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetUsageRecordsHandler(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]
	from, ok := fromParam(w, r)
	if !ok {
		return
	}

	recs, err := h.engine.Usage.GetUsageRecords(r.Context(), serviceID, models.FromMillis(from))
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	var total int64
	for _, rec := range recs {
		total += rec.Amount
	}
	if recs == nil {
		recs = []domain.UsageRecord{}
	}
	respondWithJSON(w, http.StatusOK, models.UsageRecordsResponse{ServiceID: serviceID, Records: recs, TotalCost: total})
}

func (h *Handler) GetUsageSummaryHandler(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]
	from, ok := fromParam(w, r)
	if !ok {
		return
	}

	sum, err := h.engine.Usage.GetUsageSummary(r.Context(), serviceID, models.FromMillis(from))
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewUsageSummaryResponse(serviceID, sum))
}

func (h *Handler) BillUsageHandler(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]

	var req models.BillUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	cfg, err := decodeConfig[domain.PayAsYouGoConfig](req.Config)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Usage.ExecuteUsagePayment(r.Context(), cfg, serviceID, req.From())
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) InstantPaymentHandler(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readConfig[domain.PayAsYouGoConfig](w, r)
	if !ok {
		return
	}
	res, err := h.engine.Usage.ExecuteInstantPayment(r.Context(), cfg)
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) CreateStreamHandler(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readConfig[domain.StreamConfig](w, r)
	if !ok {
		return
	}
	created, err := h.engine.Streams.CreateStream(r.Context(), cfg)
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/streams/"+created.StreamID)
	respondWithJSON(w, http.StatusCreated, models.CreateStreamResponse{
		StreamID:           created.StreamID,
		TotalAmount:        cfg.RatePerSecond * cfg.Duration,
		InitialTransaction: created.InitialTransaction,
	})
}

func (h *Handler) StartStreamHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Streams.StartStream(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) StopStreamHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Streams.StopStream(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) RetryRefundHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Streams.RetryRefund(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) GetStreamStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Streams.GetStreamStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewStreamStatusResponse(st))
}

// ListStreamsHandler filters by ?payer=, ?recipient= or ?active=true, in that
// order of precedence.
func (h *Handler) ListStreamsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		streams []*domain.StreamState
		err     error
	)
	switch {
	case q.Get("payer") != "":
		streams, err = h.engine.Streams.GetStreamsByPayer(r.Context(), ledger.Address(q.Get("payer")))
	case q.Get("recipient") != "":
		streams, err = h.engine.Streams.GetStreamsByRecipient(r.Context(), ledger.Address(q.Get("recipient")))
	default:
		activeOnly := false
		if v := q.Get("active"); v != "" {
			activeOnly, err = strconv.ParseBool(v)
			if err != nil {
				respondWithError(w, http.StatusBadRequest, "active must be a boolean")
				return
			}
		}
		streams, err = h.engine.Streams.ListStreams(r.Context(), activeOnly)
	}
	if err != nil {
		h.respondWithFlowError(w, r, err)
		return
	}

	out := models.StreamListResponse{Streams: make([]models.StreamResponse, 0, len(streams))}
	for _, st := range streams {
		out.Streams = append(out.Streams, models.NewStreamResponse(st))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func fromParam(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	v := r.URL.Query().Get("from")
	if v == "" {
		return nil, true
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "from must be milliseconds since epoch")
		return nil, false
	}
	return &ms, true
}
