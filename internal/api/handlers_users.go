package api

import (
	"net/http"

	"github.com/org/soaportal/internal/billing"
	"github.com/org/soaportal/internal/users"
	"github.com/org/soaportal/pkg/models"
)

// UserListHandler handles GET /api/users?role=&page=
func (s *Server) UserListHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	list, total, err := s.users.List(r.Context(), models.Role(r.URL.Query().Get("role")),
		billing.PageSize, (page-1)*billing.PageSize)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginated(list, billing.NewPage(page, total)))
}

// UserCreateHandler handles POST /api/users
func (s *Server) UserCreateHandler(w http.ResponseWriter, r *http.Request) {
	var in users.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.users.Create(r.Context(), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": u})
}

// UserGetHandler handles GET /api/users/{id}
func (s *Server) UserGetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	u, err := s.users.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": u})
}

// UserUpdateHandler handles PUT /api/users/{id}
func (s *Server) UserUpdateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var in users.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.users.Update(r.Context(), id, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": u})
}

// UserDeleteHandler handles DELETE /api/users/{id}. Admins cannot delete
// their own account.
func (s *Server) UserDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if caller := userFromCtx(r.Context()); caller != nil && caller.ID == id {
		writeError(w, http.StatusUnprocessableEntity, "You cannot delete your own account.")
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User deleted successfully"})
}
