package user

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"pulse/infrastructure"
	"pulse/internal/auth"
)

const maxPresenceQuery = 100

type JSONHandler struct {
	users *Repository
}

func NewJSONHandler(users *Repository) *JSONHandler {
	return &JSONHandler{users: users}
}

// Me returns the authenticated caller's profile.
func (h *JSONHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, u)
}

// Presence answers GET /api/users/presence?ids=a,b,c.
func (h *JSONHandler) Presence(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		infrastructure.WriteError(w, r, infrastructure.Validationf("ids is required"))
		return
	}
	if len(ids) > maxPresenceQuery {
		infrastructure.WriteError(w, r, infrastructure.Validationf("at most %d ids per query", maxPresenceQuery))
		return
	}
	presence, err := h.users.Presence(r.Context(), ids)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"presence": presence})
}

func (h *JSONHandler) SetupJSON(router *mux.Router) {
	router.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	router.HandleFunc("/presence", h.Presence).Methods(http.MethodGet)
}

func splitIDs(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
