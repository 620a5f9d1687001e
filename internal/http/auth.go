package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/pkg/crypto"
	"github.com/splax/hoster/pkg/jwt"
)

type authContextKey string

// session is the authenticated caller. Token is the GitHub token recovered
// from the sealed claim.
type session struct {
	Login string
	Token string
}

const contextKeySession authContextKey = "hoster-session"

type sessionRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Token string `json:"token"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// handleSession exchanges a GitHub token for a signed session token.
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	var body sessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "invalid json payload")
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "token is required")
		return
	}
	user, err := r.repos.GetUser(req.Context(), token)
	if err != nil {
		r.logger.Warn("github token rejected", "error", err)
		writeError(w, http.StatusUnauthorized, domain.KindNotAuthenticated, "github token rejected")
		return
	}
	sealed, err := crypto.Seal(r.session.Secret, token)
	if err != nil {
		r.logger.Error("seal github token", "error", err)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "failed to create session")
		return
	}
	signed, err := jwt.GenerateToken(user.Login, sealed, r.session.Secret, r.session.TTL)
	if err != nil {
		r.logger.Error("sign session token", "error", err)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "failed to create session")
		return
	}
	r.logger.Info("session created", "login", user.Login)
	writeOK(w, http.StatusCreated, sessionResponse{Token: signed, Login: user.Login, Name: user.Name})
}

// requireAuth ensures the request has a valid session before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the session token and enriches the context. Browsers
// cannot set headers on websocket upgrades, so the token may also arrive as
// the access_token query parameter.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
			raw, err = q, nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.KindNotAuthenticated, "authentication required")
		return req.Context(), false
	}
	claims, err := jwt.Parse(raw, r.session.Secret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.KindNotAuthenticated, "authentication failed")
		return req.Context(), false
	}
	token, err := crypto.Open(r.session.Secret, claims.GitHubToken)
	if err != nil || token == "" {
		r.logger.Warn("session token unreadable", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.KindNotAuthenticated, "authentication failed")
		return req.Context(), false
	}
	ctx := context.WithValue(req.Context(), contextKeySession, session{Login: claims.Login, Token: token})
	return ctx, true
}

// sessionFromContext extracts the caller from context.
func sessionFromContext(ctx context.Context) (session, bool) {
	value := ctx.Value(contextKeySession)
	if value == nil {
		return session{}, false
	}
	s, ok := value.(session)
	return s, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
