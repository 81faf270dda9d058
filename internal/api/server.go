// Package api provides the HTTP API and middleware for the directory hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/directoryhub/directory-hub/internal/auth"
	"github.com/directoryhub/directory-hub/internal/billing"
	"github.com/directoryhub/directory-hub/internal/config"
	"github.com/directoryhub/directory-hub/internal/store"
)

// ActionListingFeaturedOverride is audited when an admin sets the featured flag by hand.
const ActionListingFeaturedOverride = "admin.listing.featured"

// Billing is the checkout side of billing as used by the API.
type Billing interface {
	Plan() billing.Plan
	CreateSession(ctx context.Context, userID, email, listingID string) (*billing.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	billing      Billing
	logger       *slog.Logger
	mux          *chi.Mux
	validate     *validator.Validate
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server. webhook serves Stripe deliveries and is
// mounted without bearer authentication.
func NewServer(s store.Store, ap auth.Provider, b Billing, webhook http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		billing:      b,
		logger:       logger.With("component", "api"),
		validate:     newValidator(),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1024 * 1024
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if !cfg.Metrics.Disabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	mux.Get("/api/billing/plan", srv.handleGetPlan)
	// Stripe signs the raw body; the handler reads it itself.
	mux.Handle("/api/billing/webhook", webhook)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))
		r.Use(srv.provisionMiddleware)

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/listings", srv.handleListListings)
		r.Post("/api/billing/checkout", srv.handleCreateCheckout)
		r.Post("/api/billing/portal", srv.handleCreatePortal)
		r.Get("/api/billing/subscriptions", srv.handleListSubscriptions)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Put("/api/admin/listings/{listingID}/featured", srv.handleAdminSetFeatured)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Billing handlers ---

type checkoutRequest struct {
	ListingID string `json:"listingId" validate:"required,max=128"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.billing.Plan())
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req checkoutRequest
	if err := s.decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.billing.CreateSession(r.Context(), identity.UserID, identity.Email, req.ListingID)
	if err != nil {
		s.writeBillingError(w, err, "create checkout session", "user_id", identity.UserID, "listing_id", req.ListingID)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: sess.ID, URL: sess.URL})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req portalRequest
	if err := s.decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		s.writeBillingError(w, err, "create portal session", "user_id", identity.UserID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	subs, err := s.store.ListSubscriptionsByUser(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list subscriptions failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []store.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// writeBillingError maps billing errors onto HTTP statuses. Anything unexpected
// is logged with its context and reported as a 500.
func (s *Server) writeBillingError(w http.ResponseWriter, err error, op string, attrs ...any) {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrListingNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, billing.ErrNoBillingCustomer):
		writeError(w, http.StatusNotFound, "no billing account")
	case errors.Is(err, billing.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "listing is already featured")
	default:
		s.logger.Error(op+" failed", append(attrs, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- User handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), identity.UserID)
	if err != nil || user == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    identity.UserID,
			"email": identity.Email,
			"role":  identity.Role,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                   user.ID,
		"email":                user.Email,
		"role":                 user.Role,
		"has_billing_customer": user.StripeCustomerID != "",
	})
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	listings, err := s.store.ListListingsByUser(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list listings failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	if listings == nil {
		listings = []store.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// --- Admin handlers ---

type featuredRequest struct {
	Featured *bool `json:"featured" validate:"required"`
}

func (s *Server) handleAdminSetFeatured(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	identity := getIdentityFromContext(r.Context())

	var req featuredRequest
	if err := s.decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	listing, err := s.store.GetListing(r.Context(), listingID)
	if err != nil {
		s.logger.Error("get listing failed", "listing_id", listingID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if listing == nil {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}

	if err := s.store.SetListingFeatured(r.Context(), listingID, *req.Featured); err != nil {
		s.logger.Error("set featured failed", "listing_id", listingID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update listing")
		return
	}

	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    ActionListingFeaturedOverride,
		UserID:    identity.UserID,
		ListingID: listingID,
		Detail:    json.RawMessage(fmt.Sprintf(`{"featured":%t,"previous":%t}`, *req.Featured, listing.IsFeatured)),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", ActionListingFeaturedOverride, "error", err)
	}

	s.logger.Info("listing featured flag overridden",
		"listing_id", listingID, "featured", *req.Featured, "admin_id", identity.UserID)

	listing.IsFeatured = *req.Featured
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// decodeBody reads a size-limited JSON body into dst and validates it.
// With allowEmpty, a missing body leaves dst at its zero value.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return errors.New("invalid request body")
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", fe.Field(), fe.Tag())
		}
		return errors.New("invalid request body")
	}
	return nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
