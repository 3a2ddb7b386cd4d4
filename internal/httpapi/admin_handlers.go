package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
)

const maxEventLimit = 1000

type assignRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

type roleMappingRequest struct {
	TenantID     string `json:"tenantId" validate:"max=64"`
	Provider     string `json:"provider" validate:"required,oneof=ldap oauth azure_ad okta saml"`
	ExternalRole string `json:"externalRole" validate:"required,max=256"`
	InternalRole string `json:"internalRole" validate:"required,max=64"`
}

type userView struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId,omitempty"`
	Email               string     `json:"email"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	Status              string     `json:"status"`
	Provider            string     `json:"provider"`
	FailedLoginAttempts int        `json:"failedLoginAttempts"`
	LockedUntil         *time.Time `json:"lockedUntil,omitempty"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

func userViewOf(u auth.User) userView {
	return userView{
		ID:                  u.ID,
		TenantID:            u.TenantID,
		Email:               u.Email,
		FirstName:           u.FirstName,
		LastName:            u.LastName,
		Status:              u.Status,
		Provider:            u.Provider,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         u.LockedUntil,
		LastLoginAt:         u.LastLoginAt,
		CreatedAt:           u.CreatedAt,
	}
}

func (a *API) handleListTenantUsers(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	users, err := a.svc.ListTenantUsers(r.Context(), p, r.PathValue("tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userViewOf(u))
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	userID := r.PathValue("userID")
	if err := a.svc.AssignRole(r.Context(), p, userID, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"userId": userID, "role": req.Role})
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.RevokeRole(r.Context(), p, r.PathValue("userID"), r.PathValue("role")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	userID := r.PathValue("userID")
	if err := a.svc.UnlockUser(r.Context(), p, userID); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"userId": userID, "status": auth.StatusActive})
}

func (a *API) handleRoleMapping(w http.ResponseWriter, r *http.Request) {
	var req roleMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	m, err := a.svc.PutRoleMapping(r.Context(), p, auth.RoleMapping{
		TenantID:     req.TenantID,
		Provider:     req.Provider,
		ExternalRole: req.ExternalRole,
		InternalRole: req.InternalRole,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	events, err := a.svc.ListSecurityEvents(r.Context(), p, r.URL.Query().Get("tenantId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []auth.SecurityEvent{}
	}
	writeData(w, http.StatusOK, events)
}

func (a *API) handleInternalPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.TenantPrincipal(r.Context(), r.PathValue("tenantID"), r.PathValue("userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profileOf(p))
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxEventLimit {
		return 0, &validationError{fields: map[string]string{"limit": "must be an integer between 1 and 1000"}}
	}
	return n, nil
}
