package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/auth"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	"github.com/honeynil/LendingServiceTochka/internal/repository"
	service "github.com/honeynil/LendingServiceTochka/internal/services"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

type Handler struct {
	transactions service.TransactionService
	disputes     service.DisputeResolver
	access       service.AccessGate
	listingRepo  repository.ListingRepository
	userRepo     repository.UserRepository
}

func NewHandler(
	transactions service.TransactionService,
	disputes service.DisputeResolver,
	access service.AccessGate,
	listingRepo repository.ListingRepository,
	userRepo repository.UserRepository,
) *Handler {
	return &Handler{
		transactions: transactions,
		disputes:     disputes,
		access:       access,
		listingRepo:  listingRepo,
		userRepo:     userRepo,
	}
}

type errorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RequiredTier string `json:"requiredTier,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeServiceError maps err to a status code by its kind.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pkgerrors.Kind(err)
	resp := errorResponse{Error: err.Error(), Kind: string(kind), Retryable: pkgerrors.Retryable(err)}

	var denied *pkgerrors.AccessDeniedError
	if errors.As(err, &denied) {
		resp.Reason = denied.Reason
		resp.RequiredTier = denied.RequiredTier
	}

	status := http.StatusInternalServerError
	switch kind {
	case pkgerrors.KindValidation:
		status = http.StatusBadRequest
	case pkgerrors.KindAccessDenied, pkgerrors.KindForbidden:
		status = http.StatusForbidden
	case pkgerrors.KindNotFound:
		status = http.StatusNotFound
	case pkgerrors.KindConflict:
		status = http.StatusConflict
	case pkgerrors.KindPayment:
		status = http.StatusPaymentRequired
	case pkgerrors.KindNetwork:
		status = http.StatusServiceUnavailable
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.UserID == "" {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return service.Actor{}, false
	}
	return service.Actor{ID: claims.UserID, Operator: claims.IsOperator()}, true
}

// RegisterRoutes mounts every lending endpoint. r must already
// authenticate callers.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/approve", h.Approve).Methods("POST")
	r.HandleFunc("/transactions/{id}/decline", h.Decline).Methods("POST")
	r.HandleFunc("/transactions/{id}/cancel", h.Cancel).Methods("POST")
	r.HandleFunc("/transactions/{id}/confirm-payment", h.ConfirmPayment).Methods("POST")
	r.HandleFunc("/transactions/{id}/pickup", h.ConfirmPickup).Methods("POST")
	r.HandleFunc("/transactions/{id}/mark-returned", h.MarkReturned).Methods("POST")
	r.HandleFunc("/transactions/{id}/return", h.ConfirmReturn).Methods("POST")
	r.HandleFunc("/transactions/{id}/rate", h.Rate).Methods("POST")

	r.HandleFunc("/access/check", h.CheckAccess).Methods("POST")

	r.HandleFunc("/disputes", h.ListDisputes).Methods("GET")
	r.HandleFunc("/disputes/{id}", h.GetDispute).Methods("GET")
	r.HandleFunc("/disputes/{id}/evidence", h.AddEvidence).Methods("POST")
	r.Handle("/disputes/{id}/review", auth.RequireOperator(http.HandlerFunc(h.MarkUnderReview))).Methods("POST")
	r.Handle("/disputes/{id}/resolve", auth.RequireOperator(http.HandlerFunc(h.ResolveDispute))).Methods("POST")
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := h.transactions.Create(r.Context(), actor.ID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.Get(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.TransactionFilter{
		Role:   models.TransactionRole(q.Get("role")),
		Status: models.TransactionStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("limit must be a number"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("offset must be a number"))
		return
	}

	txs, err := h.transactions.List(r.Context(), actor.ID, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type transitionFunc func(r *http.Request, actorID, id string) (*models.Transaction, error)

// transition runs do for the caller and answers with the resulting
// transaction. A payment the borrower dismissed is not an error for the
// client; it gets the unchanged transaction back.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, do transitionFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	tx, err := do(r, actor.ID, mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, pkgerrors.ErrPaymentCanceled) && tx != nil {
			writeJSON(w, http.StatusOK, tx)
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.Approve(r.Context(), actorID, id)
	})
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.Decline(r.Context(), actorID, id, req.Reason)
	})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.Cancel(r.Context(), actorID, id)
	})
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.ConfirmPayment(r.Context(), actorID, id)
	})
}

func (h *Handler) ConfirmPickup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Condition models.Condition `json:"condition"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.ConfirmPickup(r.Context(), actorID, id, req.Condition)
	})
}

func (h *Handler) MarkReturned(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.MarkReturned(r.Context(), actorID, id)
	})
}

func (h *Handler) ConfirmReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Condition models.Condition `json:"condition"`
		Notes     string           `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.ConfirmReturn(r.Context(), actorID, id, req.Condition, req.Notes)
	})
}

func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.transition(w, r, func(r *http.Request, actorID, id string) (*models.Transaction, error) {
		return h.transactions.Rate(r.Context(), actorID, id, req.Rating, req.Comment)
	})
}

func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		ListingID string `json:"listingId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ListingID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("listingId is required"))
		return
	}

	listing, err := h.listingRepo.GetByID(r.Context(), req.ListingID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	user, err := h.userRepo.GetByID(r.Context(), actor.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	decision, err := h.access.Check(r.Context(), listing, user)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.DisputeFilter{Status: models.DisputeStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("limit must be a number"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("offset must be a number"))
		return
	}

	disputes, err := h.disputes.List(r.Context(), actor, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputes)
}

func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	d, err := h.disputes.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) AddEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	d, err := h.disputes.AddEvidence(r.Context(), actor, mux.Vars(r)["id"], req.URLs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) MarkUnderReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	d, err := h.disputes.MarkUnderReview(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Outcome       string `json:"outcome"`
		LenderPercent *int   `json:"lenderPercent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.LenderPercent == nil {
		h.writeError(w, http.StatusBadRequest, errors.New("lender_percent is required"))
		return
	}

	d, err := h.disputes.Resolve(r.Context(), actor, mux.Vars(r)["id"], req.Outcome, *req.LenderPercent)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	slog.Info("dispute resolved via api", "dispute_id", d.ID, "operator_id", actor.ID)
	writeJSON(w, http.StatusOK, d)
}
