// Package api provides the HTTP API of the SPWorlds gateway
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/auth"
	"github.com/alexbotov/spworlds/internal/control"
	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/alexbotov/spworlds/internal/limits"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/internal/payments"
	"github.com/alexbotov/spworlds/internal/webhook"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	maxWebhookBody = 1 << 20

	// nginx convention for a client that went away before the response
	statusClientClosedRequest = 499
)

// Handler contains all HTTP handlers
type Handler struct {
	client     *spworlds.Client
	auth       *auth.Service
	payments   *payments.Service
	webhooks   *webhook.Service
	audit      *audit.Service
	control    *control.Service
	limits     *limits.Service
	hub        *Hub
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	webhookURL string
}

// Dependencies groups everything the handlers need
type Dependencies struct {
	Client     *spworlds.Client
	Auth       *auth.Service
	Payments   *payments.Service
	Webhooks   *webhook.Service
	Audit      *audit.Service
	Control    *control.Service
	Limits     *limits.Service
	Hub        *Hub
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	WebhookURL string
}

// New creates a new API handler
func New(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		client:     deps.Client,
		auth:       deps.Auth,
		payments:   deps.Payments,
		webhooks:   deps.Webhooks,
		audit:      deps.Audit,
		control:    deps.Control,
		limits:     deps.Limits,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		logger:     logger,
		webhookURL: deps.WebhookURL,
	}
}

// Response helpers

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// respondClientError maps spworlds client and money operation errors onto
// gateway responses
func (h *Handler) respondClientError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *spworlds.ValidationError
	var timeoutErr *spworlds.TimeoutError
	var apiErr *spworlds.APIError

	switch {
	case errors.Is(err, control.ErrPaused):
		respondError(w, http.StatusServiceUnavailable, "OPERATIONS_PAUSED", "Money operations are paused by an operator")
	case errors.Is(err, limits.ErrLimitExceeded):
		respondError(w, http.StatusUnprocessableEntity, "LIMIT_EXCEEDED", "Daily transfer limit exceeded")
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", validationErr.Error())
	case errors.As(err, &timeoutErr):
		respondError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", timeoutErr.Error())
	case errors.As(err, &apiErr):
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR",
			fmt.Sprintf("SPWorlds API returned %d %s", apiErr.StatusCode, apiErr.Status))
	case errors.Is(err, context.Canceled):
		respondError(w, statusClientClosedRequest, "REQUEST_CANCELED", "Request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Request deadline exceeded")
	default:
		h.logger.Error("SPWorlds API unreachable",
			zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "SPWorlds API is unreachable")
	}
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

// === Health & Info ===

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reachable := h.client.Ping(r.Context())
	if reachable {
		h.metrics.ObserveUpstream("ping", start, nil)
	} else {
		h.metrics.ObserveUpstream("ping", start, errUpstreamUnreachable)
	}

	status, upstream := "healthy", "reachable"
	if !reachable {
		status, upstream = "degraded", "unreachable"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"upstream": upstream,
		"endpoint": h.client.BaseURL(),
	})
}

var errUpstreamUnreachable = errors.New("upstream unreachable")

// ServerInfo handles GET /
func (h *Handler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "spworlds-gateway",
		"version":     "1.0.0",
		"description": "SPWorlds bank API gateway",
		"webhook_url": h.webhookURL,
	})
}

// === Authentication ===

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := h.auth.Login(r.Context(), &req, getClientIP(r))
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		default:
			respondError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// === Card ===

// GetCard handles GET /api/v1/card
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	info, err := h.client.GetCardInfo(r.Context())
	h.metrics.ObserveUpstream("card", start, err)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// GetCardOwner handles GET /api/v1/card/owner
func (h *Handler) GetCardOwner(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, err := h.client.GetCardOwner(r.Context())
	h.metrics.ObserveUpstream("accounts_me", start, err)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, owner)
}

// SetWebhook handles PUT /api/v1/card/webhook. An empty body points the
// card at this gateway's own receiver.
func (h *Handler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.URL == "" {
		req.URL = h.webhookURL
	}

	start := time.Now()
	result, err := h.client.SetWebhook(r.Context(), req.URL)
	h.metrics.ObserveUpstream("card_webhook", start, err)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}

	operator := operatorFromContext(r.Context())
	h.audit.Log(r.Context(), audit.EventWebhookConfigured, domain.SeverityInfo,
		"Card webhook changed", map[string]string{"url": req.URL},
		audit.WithActor(operator), audit.WithIP(getClientIP(r)))

	respondJSON(w, http.StatusOK, result)
}

// === Lookups ===

// GetCards handles GET /api/v1/accounts/{nickname}/cards
func (h *Handler) GetCards(w http.ResponseWriter, r *http.Request) {
	nickname := mux.Vars(r)["nickname"]

	start := time.Now()
	cards, err := h.client.GetCards(r.Context(), nickname)
	h.metrics.ObserveUpstream("accounts_cards", start, err)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	if cards == nil {
		cards = []*spworlds.Card{}
	}
	respondJSON(w, http.StatusOK, cards)
}

// FindUser handles GET /api/v1/users/{discordId}
func (h *Handler) FindUser(w http.ResponseWriter, r *http.Request) {
	discordID := mux.Vars(r)["discordId"]

	start := time.Now()
	user, err := h.client.FindUser(r.Context(), discordID)
	h.metrics.ObserveUpstream("users", start, err)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "USER_NOT_FOUND", "No account is linked to this Discord id")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// === Money ===

// CreateTransaction handles POST /api/v1/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req spworlds.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := h.payments.Transfer(r.Context(), &req, operatorFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidTransfer) {
			respondError(w, http.StatusBadRequest, "INVALID_TRANSFER", "Receiver and a positive amount are required")
			return
		}
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req payments.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	payment, err := h.payments.Create(r.Context(), &req, operatorFromContext(r.Context()))
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, payment)
}

// ListPayments handles GET /api/v1/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.payments.List(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PAYMENTS_ERROR", "Failed to list payments")
		return
	}
	if list == nil {
		list = []*domain.Payment{}
	}
	respondJSON(w, http.StatusOK, list)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.payments.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			respondError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "Payment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "PAYMENTS_ERROR", "Failed to get payment")
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// === Webhooks ===

// ReceiveWebhook handles POST /webhooks/spworlds
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Webhook body too large")
		return
	}

	event, err := h.webhooks.Handle(r.Context(), body, r.Header.Get(spworlds.HeaderBodyHash), getClientIP(r))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "accepted", "event_id": event.ID})
	case errors.Is(err, webhook.ErrInvalidSignature):
		respondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid body hash")
	case errors.Is(err, webhook.ErrReplayed):
		respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, webhook.ErrMalformed):
		respondError(w, http.StatusBadRequest, "MALFORMED_WEBHOOK", "Unrecognized webhook payload")
	default:
		h.logger.Error("Failed to process webhook", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "Failed to process webhook")
	}
}

// ListWebhooks handles GET /api/v1/webhooks
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	events, err := h.webhooks.Recent(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WEBHOOKS_ERROR", "Failed to list webhooks")
		return
	}
	if events == nil {
		events = []*domain.WebhookEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// === Audit ===

// GetAuditEvents handles GET /api/v1/audit
func (h *Handler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &audit.EventFilter{
		Reference: q.Get("reference"),
		Type:      q.Get("type"),
		Limit:     queryLimit(r),
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = to
	}

	events, err := h.audit.GetEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Failed to query audit log")
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// === Operations control ===

// GetOperations handles GET /api/v1/operations
func (h *Handler) GetOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.control.Status())
}

// PauseOperations handles POST /api/v1/operations/pause
func (h *Handler) PauseOperations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "A reason is required")
		return
	}

	if err := h.control.Pause(r.Context(), req.Reason, operatorFromContext(r.Context())); err != nil {
		h.logger.Error("Failed to pause operations", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_FAILED", "Failed to pause operations")
		return
	}
	respondJSON(w, http.StatusOK, h.control.Status())
}

// ResumeOperations handles POST /api/v1/operations/resume
func (h *Handler) ResumeOperations(w http.ResponseWriter, r *http.Request) {
	if err := h.control.Resume(r.Context(), operatorFromContext(r.Context())); err != nil {
		h.logger.Error("Failed to resume operations", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_FAILED", "Failed to resume operations")
		return
	}
	respondJSON(w, http.StatusOK, h.control.Status())
}

// === Limits ===

// GetLimits handles GET /api/v1/limits
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	limit, err := h.limits.Current(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LIMITS_ERROR", "Failed to get limits")
		return
	}
	used, err := h.limits.UsedToday(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LIMITS_ERROR", "Failed to get usage")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"limit":      limit,
		"used_today": used,
	})
}

// SetLimits handles PUT /api/v1/limits
func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Daily *int `json:"daily"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Daily == nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "daily is required")
		return
	}

	limit, err := h.limits.SetDaily(r.Context(), *req.Daily, operatorFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, limits.ErrInvalidLimit) {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "Limit must not be negative")
			return
		}
		respondError(w, http.StatusInternalServerError, "LIMITS_ERROR", "Failed to set limit")
		return
	}
	respondJSON(w, http.StatusOK, limit)
}
