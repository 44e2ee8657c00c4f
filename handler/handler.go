// Package handler exposes the price feeds over HTTP
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sljivkov/pricegate/domain"
)

// PriceService is the part of the orchestrator served over HTTP
type PriceService interface {
	UpdatePriceFeeds(ctx context.Context, caller common.Address, updates [][]byte, payment *big.Int) (int, error)
	Price(ctx context.Context, id common.Hash) (domain.Price, error)
	EMAPrice(ctx context.Context, id common.Hash) (domain.Price, error)
	PreviousPrice(ctx context.Context, id common.Hash) (domain.Price, error)
	PriceNoOlderThan(ctx context.Context, id common.Hash, maxAge time.Duration) (domain.Price, error)
	MinUpdateFee(updateCount int) *big.Int
	SubscribeFeedUpdates(ch chan<- domain.PriceFeedUpdate) event.Subscription
	SubscribeBatchUpdates(ch chan<- domain.BatchPriceFeedUpdate) event.Subscription
	SubscribeCallUpdates(ch chan<- domain.UpdatePriceFeeds) event.Subscription
}

// PriceResponse is the JSON form of a price
type PriceResponse struct {
	ID          string `json:"id"`
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
	Value       string `json:"value"` // Price scaled by expo
}

// UpdateRequest submits raw update batches
type UpdateRequest struct {
	Caller  string   `json:"caller"`
	Payment string   `json:"payment"` // Base 10
	Updates []string `json:"updates"` // Hex encoded batches
}

// UpdateResponse reports how many batches were processed
type UpdateResponse struct {
	Batches int `json:"batches"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler routes HTTP requests to the price service
type Handler struct {
	service  PriceService
	gatherer prometheus.Gatherer
	stream   *streamer
	limiter  *rateLimiter
}

// Option configures a Handler
type Option func(*Handler)

// WithUpdateRateLimit limits update submissions per client address.
// A non-positive rate disables the limit.
func WithUpdateRateLimit(requestsPerSecond float64, burst int) Option {
	return func(h *Handler) {
		if requestsPerSecond <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = newRateLimiter(requestsPerSecond, burst)
	}
}

// New creates a handler. Metrics are served from gatherer when it is not nil.
func New(service PriceService, gatherer prometheus.Gatherer, opts ...Option) *Handler {
	h := &Handler{
		service:  service,
		gatherer: gatherer,
		stream:   newStreamer(service),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the HTTP routes
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/price_feeds/{id}/price", h.price)
		r.Get("/price_feeds/{id}/ema_price", h.emaPrice)
		r.Get("/price_feeds/{id}/previous_price", h.previousPrice)
		r.Get("/update_fee", h.updateFee)
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Handler)
			}
			r.Post("/updates", h.updates)
		})
		r.Get("/stream", h.stream.ServeHTTP)
	})

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func feedID(r *http.Request) (common.Hash, bool) {
	raw := chi.URLParam(r, "id")
	b, err := hexutil.Decode(raw)
	if err != nil {
		// Feed ids are commonly written without 0x
		b, err = hexutil.Decode("0x" + raw)
	}
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func (h *Handler) price(w http.ResponseWriter, r *http.Request) {
	maxAge := r.URL.Query().Get("max_age")
	if maxAge == "" {
		h.servePrice(w, r, h.service.Price)
		return
	}

	age, err := time.ParseDuration(maxAge)
	if err != nil || age < 0 {
		writeError(w, http.StatusBadRequest, "invalid max_age")
		return
	}
	h.servePrice(w, r, func(ctx context.Context, id common.Hash) (domain.Price, error) {
		return h.service.PriceNoOlderThan(ctx, id, age)
	})
}

func (h *Handler) emaPrice(w http.ResponseWriter, r *http.Request) {
	h.servePrice(w, r, h.service.EMAPrice)
}

func (h *Handler) previousPrice(w http.ResponseWriter, r *http.Request) {
	h.servePrice(w, r, h.service.PreviousPrice)
}

func (h *Handler) servePrice(
	w http.ResponseWriter, r *http.Request,
	query func(context.Context, common.Hash) (domain.Price, error),
) {
	id, ok := feedID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return
	}

	p, err := query(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PriceResponse{
		ID:          id.Hex(),
		Price:       strconv.FormatInt(p.Price, 10),
		Conf:        strconv.FormatUint(p.Conf, 10),
		Expo:        p.Expo,
		PublishTime: p.PublishTime,
		Value:       p.Decimal().String(),
	})
}

func (h *Handler) updateFee(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count < 0 {
		writeError(w, http.StatusBadRequest, "invalid count")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"fee": h.service.MinUpdateFee(count).String()})
}

func (h *Handler) updates(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !common.IsHexAddress(req.Caller) {
		writeError(w, http.StatusBadRequest, "invalid caller")
		return
	}

	payment := new(big.Int)
	if req.Payment != "" {
		if _, ok := payment.SetString(req.Payment, 10); !ok || payment.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "invalid payment")
			return
		}
	}

	batches := make([][]byte, 0, len(req.Updates))
	for _, u := range req.Updates {
		b, err := hexutil.Decode(u)
		if err != nil {
			writeError(w, http.StatusBadRequest, "update is not 0x prefixed hex")
			return
		}
		batches = append(batches, b)
	}

	n, err := h.service.UpdatePriceFeeds(r.Context(), common.HexToAddress(req.Caller), batches, payment)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UpdateResponse{Batches: n})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedBatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticatedBatch):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientFee):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStalePrice):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}
