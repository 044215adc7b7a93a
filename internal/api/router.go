package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)

	r.Use(h.RecoveryMiddleware)
	r.Use(CORSMiddleware)
	r.Use(h.LoggingMiddleware)
	r.Use(h.MetricsMiddleware)

	// Public routes
	r.HandleFunc("/", h.ServerInfo).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	r.HandleFunc("/webhooks/spworlds", h.ReceiveWebhook).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", h.Login).Methods("POST")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(h.AuthMiddleware)

	// Card
	protected.HandleFunc("/card", h.GetCard).Methods("GET")
	protected.HandleFunc("/card/owner", h.GetCardOwner).Methods("GET")
	protected.HandleFunc("/card/webhook", h.SetWebhook).Methods("PUT")

	// Lookups
	protected.HandleFunc("/accounts/{nickname}/cards", h.GetCards).Methods("GET")
	protected.HandleFunc("/users/{discordId}", h.FindUser).Methods("GET")

	// Money
	protected.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	protected.HandleFunc("/payments", h.CreatePayment).Methods("POST")
	protected.HandleFunc("/payments", h.ListPayments).Methods("GET")
	protected.HandleFunc("/payments/{id}", h.GetPayment).Methods("GET")

	// Operator safeguards
	protected.HandleFunc("/operations", h.GetOperations).Methods("GET")
	protected.HandleFunc("/operations/pause", h.PauseOperations).Methods("POST")
	protected.HandleFunc("/operations/resume", h.ResumeOperations).Methods("POST")
	protected.HandleFunc("/limits", h.GetLimits).Methods("GET")
	protected.HandleFunc("/limits", h.SetLimits).Methods("PUT")

	// Deliveries and audit trail
	protected.HandleFunc("/webhooks", h.ListWebhooks).Methods("GET")
	protected.HandleFunc("/audit", h.GetAuditEvents).Methods("GET")
	protected.HandleFunc("/ws/events", h.HandleEvents).Methods("GET")

	return r
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}
