// Package server is the reference order backend: the REST API staff
// clients call, and the broadcaster that echoes every change into the
// restaurant's realtime room.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const MaxBodyBytes = 1 << 20

type Handler struct {
	repo        order.Repo
	broadcaster *Broadcaster
	metrics     *telemetry.Metrics
	secret      string
	logger      *zap.Logger
	validate    *validator.Validate
	now         func() time.Time

	// serialises read-validate-save so concurrent staff actions cannot
	// both pass the transition check
	writeMu sync.Mutex
}

type HandlerDeps struct {
	Repo        order.Repo
	Broadcaster *Broadcaster
	Metrics     *telemetry.Metrics
	// Secret verifies bearer tokens.
	Secret string
}

func NewHandler(hd HandlerDeps, log *zap.Logger) *Handler {
	return &Handler{
		repo:        hd.Repo,
		broadcaster: hd.Broadcaster,
		metrics:     hd.Metrics,
		secret:      hd.Secret,
		logger:      logger.OrNop(log).Named("server"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
	}
}

// Router mounts the API behind bearer auth plus the unauthenticated ops
// endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.secret))
		h.RegisterRoutes(r)
	})
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/kitchen/active", h.KitchenActive)
		r.Get("/{id}", h.GetOrder)
		r.Put("/{id}/status", h.UpdateOrderStatus)
		r.Delete("/{id}", h.CancelOrder)
	})
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type CheckoutRequest struct {
	Items    []order.LineItem `json:"items" validate:"required,min=1,dive"`
	Customer order.Customer   `json:"customer"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

// CreateOrder is checkout: the order starts pending and its total is
// computed here, never taken from the caller.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)
	restaurantID := h.restaurant(r)

	var req CheckoutRequest
	if !h.decode(w, r, log, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Debug("invalid checkout request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "order needs at least one item with a name and a positive quantity")
		return
	}

	total := decimal.Zero
	for _, item := range req.Items {
		if item.UnitPrice.IsNegative() {
			respondError(w, http.StatusBadRequest, "unit_price cannot be negative")
			return
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	now := h.now().UTC()
	o := &order.Order{
		ID:           order.ID(uuid.NewString()),
		RestaurantID: restaurantID,
		Status:       orderstatus.Statuses.Pending,
		Items:        req.Items,
		Total:        total,
		Customer:     req.Customer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.repo.Create(r.Context(), o); err != nil {
		log.Error("cannot create order", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not create order")
		return
	}

	h.metrics.StatusChanged(o.Status.Code())
	h.broadcast(r, event.EventOrderNew, o)
	respondData(w, http.StatusCreated, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	statuses, err := orderstatus.ParseList(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.list(w, r, statuses)
}

func (h *Handler) KitchenActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, orderstatus.Kitchen)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, statuses []orderstatus.Status) {
	orders, err := h.repo.List(r.Context(), h.restaurant(r), statuses...)
	if err != nil {
		h.log(r).Error("cannot list orders", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not list orders")
		return
	}
	respondData(w, http.StatusOK, orders)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.load(w, r)
	if !ok {
		return
	}
	respondData(w, http.StatusOK, o)
}

func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)

	var req StatusRequest
	if !h.decode(w, r, log, &req) {
		return
	}
	status, err := orderstatus.Parse(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.transition(w, r, status)
}

// CancelOrder moves the order to cancelled. The record is kept.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, orderstatus.Statuses.Cancelled)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, status orderstatus.Status) {
	log := h.log(r)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	o, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := orderstatus.Validate(o.Status, status); err != nil {
		log.Debug("rejected transition", zap.String("order_id", o.ID.String()), zap.Error(err))
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	o.Status = status
	o.UpdatedAt = h.now().UTC()
	if err := h.repo.Save(r.Context(), o); err != nil {
		log.Error("cannot save order", zap.String("order_id", o.ID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not update order")
		return
	}

	name := event.EventOrderUpdate
	if status == orderstatus.Statuses.Cancelled {
		name = event.EventOrderCancelled
	}
	h.metrics.StatusChanged(status.Code())
	h.broadcast(r, name, o)
	respondData(w, http.StatusOK, o)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing id parameter")
		return nil, false
	}

	o, err := h.repo.Get(r.Context(), h.restaurant(r), order.ID(id))
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			respondError(w, http.StatusNotFound, "order not found")
			return nil, false
		}
		h.log(r).Error("cannot load order", zap.String("order_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not load order")
		return nil, false
	}
	return o, true
}

// broadcast failures are logged only: the write already happened and
// clients converge on their next refetch.
func (h *Handler) broadcast(r *http.Request, name string, o *order.Order) {
	if err := h.broadcaster.Broadcast(r.Context(), name, o); err != nil {
		h.log(r).Warn("cannot broadcast order event",
			zap.String("event", name),
			zap.String("order_id", o.ID.String()),
			zap.Error(err),
		)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *zap.Logger, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Debug("failed to read request body", zap.Error(err))
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		log.Debug("failed to decode request body", zap.Error(err))
		respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func (h *Handler) restaurant(r *http.Request) string {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		return ""
	}
	return claims.RestaurantID
}

func (h *Handler) log(r *http.Request) *zap.Logger {
	return h.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
}
