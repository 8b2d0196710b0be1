package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes wires every API endpoint onto the router.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Users
	r.HandleFunc("/api/users", h.CreateUser).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{id}", h.UpdateUser).Methods(http.MethodPut)

	// Platform connections
	r.HandleFunc("/api/platform-connections/user/{userId}", h.CreatePlatformConnection).Methods(http.MethodPost)
	r.HandleFunc("/api/platform-connections/user/{userId}", h.ListPlatformConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/platform-connections/user/{userId}/{id}", h.DeletePlatformConnection).Methods(http.MethodDelete)

	// Posts
	r.HandleFunc("/api/posts/user/{userId}", h.CreatePost).Methods(http.MethodPost)
	r.HandleFunc("/api/posts/user/{userId}", h.GetUserPosts).Methods(http.MethodGet)
	r.HandleFunc("/api/posts/user/{userId}/{id}", h.GetPost).Methods(http.MethodGet)
	r.HandleFunc("/api/posts/user/{userId}/{id}", h.UpdatePost).Methods(http.MethodPut)
	r.HandleFunc("/api/posts/user/{userId}/{id}", h.DeletePost).Methods(http.MethodDelete)
	r.HandleFunc("/api/posts/user/{userId}/{id}/approve", h.ApprovePost).Methods(http.MethodPost)
	r.HandleFunc("/api/posts/user/{userId}/{id}/retry", h.RetryPost).Methods(http.MethodPost)

	// Quota and enforcement
	r.HandleFunc("/api/quota/user/{userId}", h.GetQuota).Methods(http.MethodGet)
	r.HandleFunc("/api/enforce/user/{userId}", h.TriggerEnforcement).Methods(http.MethodPost)

	// Billing
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods(http.MethodGet)
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.GetUserSubscription).Methods(http.MethodGet)
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.CreateSubscription).Methods(http.MethodPost)
	r.HandleFunc("/api/billing/subscription/cancel/user/{userId}", h.CancelSubscription).Methods(http.MethodPost)
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods(http.MethodPost)

	// Realtime events
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}
