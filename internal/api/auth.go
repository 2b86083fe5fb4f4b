package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"classroom-provisioner/internal/model"
)

type contextKey string

const (
	userKey       = contextKey("user")
	invitationKey = contextKey("invitation")
)

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserLogin = "X-User-Login"
)

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the student behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (model.User, error)
}

// HeaderAuthenticator trusts the identity headers set by an upstream proxy.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (model.User, error) {
	id, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	login := strings.TrimSpace(r.Header.Get(HeaderUserLogin))
	if err != nil || id <= 0 || login == "" {
		return model.User{}, errUnauthenticated
	}
	return model.User{ID: id, Login: login}, nil
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.Authenticate(r)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func userFrom(ctx context.Context) model.User {
	user, _ := ctx.Value(userKey).(model.User)
	return user
}
