package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/org/soaportal/internal/auth"
	"github.com/org/soaportal/internal/validation"
)

// LoginHandler handles POST /api/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v := validation.New()
	v.Check(strings.TrimSpace(req.Email) != "", "email", "The email field is required.")
	v.Check(req.Password != "", "password", "The password field is required.")
	if err := v.Err(); err != nil {
		fail(w, r, err)
		return
	}

	user, token, err := s.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid login credentials")
			return
		}
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"user":       user,
			"token":      token,
			"token_type": "Bearer",
		},
	})
}

// LogoutHandler handles POST /api/logout and revokes the presented token.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Unauthenticated.")
		return
	}
	if err := s.sessions.Logout(r.Context(), sess.ID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User logged out successfully"})
}

// CurrentUserHandler handles GET /api/user
func (s *Server) CurrentUserHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": userFromCtx(r.Context())})
}
