package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	scopeRead  = "read"
	scopeWrite = "write"
	scopeAdmin = "admin"

	sessionCookie  = "microclaw_session"
	csrfHeader     = "X-CSRF-Token"
	bootstrapToken = "x-bootstrap-token"

	minPasswordLen = 8
	// Shipped default; auth/status flags it so the UI can nag.
	defaultPassword = "microclaw"
)

type authInfo struct {
	viaCookie bool
	sessionID string
	scopes    map[string]bool
}

func (a *authInfo) allows(scope string) bool {
	if a.viaCookie {
		return true
	}
	return a.scopes[scope] || a.scopes[scopeAdmin]
}

type authKey struct{}

func authFromContext(ctx context.Context) *authInfo {
	if a, ok := ctx.Value(authKey{}).(*authInfo); ok {
		return a
	}
	return nil
}

// authed authenticates the request (cookie session or scoped API key),
// enforces the scope, and checks CSRF on cookie-driven mutations.
func (s *Server) authed(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := s.authenticate(r)
		if info == nil {
			writeError(w, http.StatusUnauthorized, "auth", "authentication required")
			return
		}
		if !info.allows(scope) {
			writeError(w, http.StatusForbidden, "auth", "missing scope: "+scope)
			return
		}
		if info.viaCookie && r.Method != http.MethodGet && r.Method != http.MethodHead {
			if !s.checkCSRF(info.sessionID, r.Header.Get(csrfHeader)) {
				writeError(w, http.StatusForbidden, "auth", "invalid csrf token")
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authKey{}, info)))
	})
}

func (s *Server) authenticate(r *http.Request) *authInfo {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		ok, err := s.store.TouchAuthSession(r.Context(), c.Value, time.Now().Add(s.idleExpiry()))
		if err != nil {
			s.logger.Warn("auth session lookup failed", "error", err)
		} else if ok {
			return &authInfo{viaCookie: true, sessionID: c.Value}
		}
	}

	secret := extractAPIKey(r)
	if secret == "" {
		return nil
	}
	keys, err := s.store.ActiveAPIKeys(r.Context())
	if err != nil {
		s.logger.Warn("api key lookup failed", "error", err)
		return nil
	}
	candidate := hashSecret(secret)
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k.SecretHash)) == 1 {
			scopes := make(map[string]bool, len(k.Scopes))
			for _, sc := range k.Scopes {
				scopes[sc] = true
			}
			return &authInfo{scopes: scopes}
		}
	}
	return nil
}

// extractAPIKey checks, in order: Authorization: Bearer, X-API-Key,
// and the api_key query param (needed for EventSource clients).
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashAPIKeySecret is the storage form of an API key secret, exposed
// for key provisioning in the CLI.
func HashAPIKeySecret(secret string) string { return hashSecret(secret) }

func (s *Server) idleExpiry() time.Duration {
	mins := s.cfg.SessionIdleExpiryMins
	if mins <= 0 {
		mins = 7 * 24 * 60
	}
	return time.Duration(mins) * time.Minute
}

func (s *Server) issueCSRF(sessionID string) string {
	token := uuid.NewString()
	s.csrfMu.Lock()
	s.csrf[sessionID] = token
	s.csrfMu.Unlock()
	return token
}

func (s *Server) checkCSRF(sessionID, token string) bool {
	s.csrfMu.Lock()
	want, ok := s.csrf[sessionID]
	s.csrfMu.Unlock()
	return ok && token != "" && subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

func (s *Server) dropCSRF(sessionID string) {
	s.csrfMu.Lock()
	delete(s.csrf, sessionID)
	s.csrfMu.Unlock()
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := s.store.PasswordHash(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	authenticated := s.authenticate(r) != nil
	usingDefault := hash != "" &&
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(defaultPassword)) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"has_password":           hash != "",
		"authenticated":          authenticated,
		"using_default_password": usingDefault,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	hash, err := s.store.PasswordHash(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if hash == "" {
		writeError(w, http.StatusForbidden, "auth", "no password set")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "auth", "wrong password")
		return
	}

	sessionID := uuid.NewString()
	if err := s.store.CreateAuthSession(r.Context(), sessionID, time.Now().Add(s.idleExpiry())); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"csrf_token": s.issueCSRF(sessionID),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if err := s.store.DeleteAuthSession(r.Context(), c.Value); err != nil {
			s.logger.Warn("delete auth session", "error", err)
		}
		s.dropCSRF(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSetPassword changes the operator password. The initial set is
// authorized by the bootstrap token printed at startup; after that an
// authenticated session is required.
func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "bad json")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "validation", "password too short")
		return
	}

	hash, err := s.store.PasswordHash(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	authorized := false
	if token := r.Header.Get(bootstrapToken); token != "" && s.bootstrap != "" && hash == "" {
		authorized = subtle.ConstantTimeCompare([]byte(token), []byte(s.bootstrap)) == 1
	}
	if !authorized {
		info := s.authenticate(r)
		authorized = info != nil && info.allows(scopeAdmin)
	}
	if !authorized {
		writeError(w, http.StatusUnauthorized, "auth", "not authorized to set password")
		return
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "auth", err.Error())
		return
	}
	if err := s.store.SetPasswordHash(r.Context(), string(newHash)); err != nil {
		writeError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
