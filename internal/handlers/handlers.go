package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/identity"
	"github.com/dsr1111/toko-auction/internal/ratelimit"
	"github.com/dsr1111/toko-auction/internal/service"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps request bodies; every payload here is a few fields
const maxBodyBytes = 1 << 16

// Handler contains HTTP request handlers
type Handler struct {
	biddingService *service.BiddingService
	limiter        ratelimit.Limiter
	authenticate   func(http.Handler) http.Handler
	log            zerolog.Logger
}

// NewHandler creates a new HTTP handler. limiter may be nil to disable bid
// rate limiting; authenticate defaults to the proxy header principal.
func NewHandler(biddingService *service.BiddingService, limiter ratelimit.Limiter, authenticate func(http.Handler) http.Handler, log zerolog.Logger) *Handler {
	if authenticate == nil {
		authenticate = identity.Middleware(nil)
	}
	return &Handler{
		biddingService: biddingService,
		limiter:        limiter,
		authenticate:   authenticate,
		log:            log.With().Str("component", "http").Logger(),
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/items", h.ListItems).Methods(http.MethodGet)
	api.HandleFunc("/items", h.CreateItem).Methods(http.MethodPost)
	api.HandleFunc("/items/{id:[0-9]+}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id:[0-9]+}", h.UpdateItem).Methods(http.MethodPatch)
	api.HandleFunc("/items/{id:[0-9]+}", h.DeleteItem).Methods(http.MethodDelete)
	api.HandleFunc("/items/{id:[0-9]+}/bids", h.BidHistory).Methods(http.MethodGet)
	api.HandleFunc("/items/{id:[0-9]+}/allocation", h.GetAllocation).Methods(http.MethodGet)
	api.HandleFunc("/items/{id:[0-9]+}/minimum-bid", h.MinimumNextBid).Methods(http.MethodGet)
	api.HandleFunc("/summary", h.Summary).Methods(http.MethodGet)

	api.Handle("/items/{id:[0-9]+}/bids", h.limited(http.HandlerFunc(h.PlaceBid))).Methods(http.MethodPost)

	// preflight requests are answered by corsMiddleware
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)
	router.Use(h.authenticate)

	return router
}

func (h *Handler) limited(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return ratelimit.Middleware(h.limiter, callerKey, h.log)(next)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.biddingService.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("health check failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"service": "api-gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ListItems returns every item, most recently listed first
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.biddingService.ListItems(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// CreateItem lists a new item
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req models.CreateItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := h.biddingService.CreateItem(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// GetItem retrieves current bid information for an item
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	item, err := h.biddingService.GetItem(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// UpdateItem applies an operator edit
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req models.UpdateItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := h.biddingService.UpdateItem(r.Context(), id, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// DeleteItem removes an item with its bids
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	if err := h.biddingService.DeleteItem(r.Context(), id); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	var bidReq models.BidRequest
	if !decodeBody(w, r, &bidReq) {
		return
	}

	response, err := h.biddingService.SubmitBid(r.Context(), id, bidReq)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, response)
}

// BidHistory lists an item's bids, newest first
func (h *Handler) BidHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	bids, err := h.biddingService.BidHistory(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bids)
}

// GetAllocation returns the current winners of an item
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	alloc, err := h.biddingService.Allocation(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

// MinimumNextBid reports the lowest admissible unit price, optionally for a
// ?quantity= other than one
func (h *Handler) MinimumNextBid(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	quantity := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "quantity must be a positive integer")
			return
		}
		quantity = n
	}

	price, err := h.biddingService.MinimumNextBid(r.Context(), id, quantity)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"item_id":          id,
		"quantity":         quantity,
		"minimum_next_bid": price,
		"increment":        h.biddingService.Increment(),
	})
}

// Summary returns the total committed value across items
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.biddingService.Summary(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// respondServiceError maps a service error onto a status code
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var bidErr *bidding.BidError
	errors.As(err, &bidErr)

	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, bidding.ErrInvalidQuantity), errors.Is(err, bidding.ErrInvalidPrice):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bidding.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bidding.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bidding.ErrAuctionEnded):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bidding.ErrBidTooLow):
		body := map[string]any{"error": err.Error()}
		if bidErr != nil {
			body["baseline"] = bidErr.Baseline
		}
		respondJSON(w, http.StatusConflict, body)
	case bidding.IsRetryable(err):
		h.log.Warn().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable, try again")
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Item ID is required")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// callerKey limits by bidder identity, falling back to the remote address
func callerKey(r *http.Request) string {
	if p, ok := identity.FromContext(r.Context()); ok {
		return "bidder:" + p.Identity
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+
			identity.HeaderBidderID+", "+identity.HeaderBidderNickname+", "+identity.HeaderOperator)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
