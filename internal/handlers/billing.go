package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// Stripe client instance
var stripeClient *client.API

func initStripe() {
	if stripeClient != nil {
		return
	}

	secretKey := os.Getenv("STRIPE_SECRET_KEY")
	if secretKey == "" {
		log.Printf("[Billing] STRIPE_SECRET_KEY not set, Stripe features disabled")
		return
	}

	stripeClient = &client.API{}
	stripeClient.Init(secretKey, nil)
}

// GetBillingPlans returns the active plan tiers with their post allocations.
func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT id, name, description, price_cents, currency, interval, stripe_price_id, post_allocation, is_active
		FROM public.billing_plans
		WHERE is_active = true
		ORDER BY price_cents ASC
	`)
	if err != nil {
		log.Printf("[Billing][Plans] query error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	plans := make([]models.BillingPlan, 0)
	for rows.Next() {
		var p models.BillingPlan
		var desc, priceID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.PriceCents, &p.Currency, &p.Interval,
			&priceID, &p.PostAllocation, &p.IsActive); err != nil {
			log.Printf("[Billing][Plans] scan error: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if desc.Valid {
			p.Description = &desc.String
		}
		if priceID.Valid {
			p.StripePriceID = &priceID.String
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, plans)
}

// GetUserSubscription returns the user's latest subscription.
func (h *Handler) GetUserSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var sub models.Subscription
	var stripeSubID, stripeCustID sql.NullString
	var canceledAt sql.NullTime

	err := h.db.QueryRow(`
		SELECT id, user_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
		       started_at, canceled_at, created_at, updated_at
		FROM public.subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &stripeSubID, &stripeCustID, &sub.Status,
		&sub.StartedAt, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "No subscription")
		return
	}
	if err != nil {
		log.Printf("[Billing][Subscription] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if stripeCustID.Valid {
		sub.StripeCustomerID = &stripeCustID.String
	}
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}

	writeJSON(w, http.StatusOK, sub)
}

// CreateSubscription starts a subscription on one of the plan tiers. started_at
// anchors every future quota cycle for this user and is set exactly once here.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		PlanID          string `json:"planId"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}

	var plan models.BillingPlan
	var priceID sql.NullString
	err := h.db.QueryRow(`
		SELECT id, name, price_cents, currency, stripe_price_id, post_allocation
		FROM public.billing_plans
		WHERE id = $1 AND is_active = true
	`, req.PlanID).Scan(&plan.ID, &plan.Name, &plan.PriceCents, &plan.Currency, &priceID, &plan.PostAllocation)
	if err != nil {
		log.Printf("[Billing][CreateSubscription] plan lookup error userId=%s planId=%s: %v", userID, req.PlanID, err)
		writeError(w, http.StatusBadRequest, "Invalid plan")
		return
	}

	var existing string
	err = h.db.QueryRow(`SELECT id FROM public.subscriptions WHERE user_id = $1 AND status = 'active'`, userID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err == nil {
		writeError(w, http.StatusConflict, "User already has an active subscription")
		return
	}

	initStripe()

	var stripeSubID, stripeCustID *string
	var clientSecret string
	if stripeClient != nil && priceID.Valid && priceID.String != "" {
		customerParams := &stripe.CustomerParams{}
		customerParams.AddMetadata("user_id", userID)
		customer, err := stripeClient.Customers.New(customerParams)
		if err != nil {
			log.Printf("[Billing][CreateSubscription] customer error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "Failed to create customer")
			return
		}

		if req.PaymentMethodID != "" {
			if _, err := stripeClient.PaymentMethods.Attach(req.PaymentMethodID, &stripe.PaymentMethodAttachParams{
				Customer: stripe.String(customer.ID),
			}); err != nil {
				log.Printf("[Billing][CreateSubscription] payment method attach error userId=%s: %v", userID, err)
				writeError(w, http.StatusBadRequest, "Invalid payment method")
				return
			}
			if _, err := stripeClient.Customers.Update(customer.ID, &stripe.CustomerParams{
				InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
					DefaultPaymentMethod: stripe.String(req.PaymentMethodID),
				},
			}); err != nil {
				log.Printf("[Billing][CreateSubscription] default payment method error userId=%s: %v", userID, err)
			}
		}

		subscription, err := stripeClient.Subscriptions.New(&stripe.SubscriptionParams{
			Customer: stripe.String(customer.ID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID.String)},
			},
			PaymentBehavior: stripe.String("default_incomplete"),
			Expand:          []*string{stripe.String("latest_invoice.payment_intent")},
		})
		if err != nil {
			log.Printf("[Billing][CreateSubscription] subscription error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "Failed to create subscription")
			return
		}
		stripeSubID = &subscription.ID
		stripeCustID = &customer.ID
		if subscription.LatestInvoice != nil && subscription.LatestInvoice.PaymentIntent != nil {
			clientSecret = subscription.LatestInvoice.PaymentIntent.ClientSecret
		}
	}

	subID := newID("sub")
	var sub models.Subscription
	err = h.db.QueryRow(`
		INSERT INTO public.subscriptions
		  (id, user_id, plan_id, stripe_subscription_id, stripe_customer_id, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', NOW(), NOW(), NOW())
		RETURNING id, user_id, plan_id, status, started_at, created_at, updated_at
	`, subID, userID, req.PlanID, stripeSubID, stripeCustID).
		Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		log.Printf("[Billing][CreateSubscription] save error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sub.StripeSubscriptionID = stripeSubID
	sub.StripeCustomerID = stripeCustID

	resp := map[string]any{"subscription": sub}
	if clientSecret != "" {
		resp["clientSecret"] = clientSecret
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelSubscription cancels the user's subscription. Enforcement stops
// immediately; already-published posts stay published.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var stripeSubID sql.NullString
	err := h.db.QueryRow(`
		SELECT stripe_subscription_id
		FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&stripeSubID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "No active subscription found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stripeSubID.Valid && stripeSubID.String != "" {
		initStripe()
		if stripeClient != nil {
			if _, err := stripeClient.Subscriptions.Cancel(stripeSubID.String, &stripe.SubscriptionCancelParams{}); err != nil {
				log.Printf("[Billing][CancelSubscription] Stripe cancel error userId=%s: %v", userID, err)
				writeError(w, http.StatusInternalServerError, "Failed to cancel subscription")
				return
			}
		}
	}

	_, err = h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	if err != nil {
		log.Printf("[Billing][CancelSubscription] update error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// StripeWebhook handles Stripe webhook events.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret != "" {
		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			writeError(w, http.StatusBadRequest, "Missing signature")
			return
		}
		event, err := webhook.ConstructEvent(payload, sig, webhookSecret)
		if err != nil {
			log.Printf("[Billing][Webhook] signature verification error: %v", err)
			writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		h.processStripeEvent(event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	// No secret configured (dev): process without verification.
	log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set, skipping signature verification")
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	h.processStripeEvent(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(event stripe.Event) {
	// Stripe retries deliveries; the billing_events insert is the dedupe gate.
	res, err := h.db.Exec(`
		INSERT INTO public.billing_events (id, stripe_event_id, stripe_event_type, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
	`, fmt.Sprintf("evt_%s", event.ID), event.ID, event.Type, event.Data.Raw)
	if err != nil {
		log.Printf("[Billing][Webhook] event save error: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Billing][Webhook] duplicate event id=%s type=%s", event.ID, event.Type)
		return
	}

	switch event.Type {
	case "customer.subscription.updated":
		h.handleSubscriptionEvent(event)
	case "customer.subscription.deleted":
		h.handleSubscriptionCancellation(event)
	case "invoice.payment_failed":
		h.handlePaymentFailure(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
	}
}

func (h *Handler) handleSubscriptionEvent(event stripe.Event) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		log.Printf("[Billing][SubscriptionEvent] unmarshal error: %v", err)
		return
	}

	// Sync the status only. started_at never moves on renewal; cycles are
	// computed from the original anchor, not from Stripe's period fields.
	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = $2, updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, subscription.ID, normalizeStripeStatus(string(subscription.Status)))
	if err != nil {
		log.Printf("[Billing][SubscriptionEvent] update error: %v", err)
	}
}

func (h *Handler) handleSubscriptionCancellation(event stripe.Event) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		log.Printf("[Billing][CancellationEvent] unmarshal error: %v", err)
		return
	}

	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, subscription.ID)
	if err != nil {
		log.Printf("[Billing][CancellationEvent] update error: %v", err)
	}
}

func (h *Handler) handlePaymentFailure(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentFailure] unmarshal error: %v", err)
		return
	}
	if invoice.Customer == nil {
		return
	}

	// past_due is not 'active', so enforcement stops until payment recovers.
	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'past_due', updated_at = NOW()
		WHERE stripe_customer_id = $1 AND status = 'active'
	`, invoice.Customer.ID)
	if err != nil {
		log.Printf("[Billing][PaymentFailure] update error: %v", err)
	}
	log.Printf("[Billing][PaymentFailure] invoice=%s customer=%s", invoice.ID, invoice.Customer.ID)
}

// normalizeStripeStatus maps Stripe's subscription statuses onto the three the
// quota layer understands.
func normalizeStripeStatus(s string) string {
	switch s {
	case "active", "trialing":
		return "active"
	case "canceled", "unpaid", "incomplete_expired":
		return "canceled"
	default:
		return "past_due"
	}
}
