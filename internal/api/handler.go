// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
	"classroom-provisioner/internal/provision"
)

// Store is the data the handlers read directly, outside the provisioning workflow.
type Store interface {
	GetInvitationByKey(ctx context.Context, key string) (model.Invitation, error)
	GetStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error)
	EnsureStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error)
	IsUserOnRoster(ctx context.Context, rosterID, userID int64) (bool, error)
	ListUnboundRosterEntries(ctx context.Context, rosterID int64) ([]model.RosterEntry, error)
	BindRosterEntry(ctx context.Context, rosterID, entryID, userID int64) error
}

// Handler is the container for API dependencies.
type Handler struct {
	store  Store
	svc    *provision.Service
	flags  provision.Flags
	auth   Authenticator
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes. CORS is only enabled
// when allowedOrigins is not empty.
func NewRouter(store Store, svc *provision.Service, flags provision.Flags, auth Authenticator, allowedOrigins []string, logger *slog.Logger) http.Handler {
	h := &Handler{
		store:  store,
		svc:    svc,
		flags:  flags,
		auth:   auth,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID, HeaderUserLogin},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", h.healthCheck)
	r.Route("/exercise-invitations/{key}", func(r chi.Router) {
		r.Use(h.requireUser)
		r.Use(h.loadInvitation)

		r.Get("/", h.show)
		r.Patch("/accept", h.accept)
		r.Post("/accept", h.accept)
		r.Post("/create_repo", h.createRepo)
		r.Get("/setupv2", h.setup)
		r.Get("/progress", h.progress)
		r.Get("/success", h.success)
		r.Get("/join_roster", h.joinRoster)
		r.Patch("/join_roster", h.bindRoster)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) loadInvitation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inv, err := h.store.GetInvitationByKey(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			h.respondWithServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), invitationKey, inv)))
	})
}

func invitationFrom(ctx context.Context) model.Invitation {
	inv, _ := ctx.Value(invitationKey).(model.Invitation)
	return inv
}

// respondWithServiceError maps workflow errors to responses in one place.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, custom_errors.ErrNotFound), errors.Is(err, custom_errors.ErrFeatureDisabled):
		respondWithError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, custom_errors.ErrDuplicateLiveRepo):
		h.logger.Error("Assignment repository invariant violated",
			"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	default:
		h.logger.Error("Request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func invitationPath(inv model.Invitation, page string) string {
	if page == "" {
		return fmt.Sprintf("/exercise-invitations/%s", inv.Key)
	}
	return fmt.Sprintf("/exercise-invitations/%s/%s", inv.Key, page)
}

func redirect(w http.ResponseWriter, r *http.Request, inv model.Invitation, page string) {
	http.Redirect(w, r, invitationPath(inv, page), http.StatusFound)
}
