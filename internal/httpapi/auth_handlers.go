package httpapi

import (
	"net/http"
	"strings"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

type registerRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	FirstName  string `json:"firstName" validate:"max=100"`
	LastName   string `json:"lastName" validate:"max=100"`
	TenantID   string `json:"tenantId" validate:"max=64"`
	TenantCode string `json:"tenantCode" validate:"max=64"`
	// Role is accepted for client compatibility and ignored.
	Role string `json:"role,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	TenantID string `json:"tenantId" validate:"max=64"`
}

type ssoRequest struct {
	Email      string `json:"email" validate:"omitempty,email,max=254"`
	Password   string `json:"password" validate:"max=128"`
	Assertion  string `json:"assertion" validate:"max=262144"`
	TenantID   string `json:"tenantId" validate:"max=64"`
	TenantCode string `json:"tenantCode" validate:"max=64"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"max=512"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,max=128"`
	NewPassword     string `json:"newPassword" validate:"required,max=128"`
}

type profile struct {
	ID          string              `json:"id"`
	Email       string              `json:"email"`
	Name        string              `json:"name,omitempty"`
	TenantID    string              `json:"tenantId,omitempty"`
	Role        string              `json:"role"`
	Roles       []string            `json:"roles"`
	Permissions []string            `json:"permissions"`
	Projects    []string            `json:"projects,omitempty"`
	Tenant      *auth.TenantContext `json:"tenant,omitempty"`
}

type sessionResponse struct {
	Token            string    `json:"token"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresIn        int64     `json:"expiresIn"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	User             profile   `json:"user"`
}

func profileOf(p auth.Principal) profile {
	perms := p.Permissions.List()
	if perms == nil {
		perms = []string{}
	}
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return profile{
		ID:          p.UserID,
		Email:       p.Email,
		Name:        p.Name,
		TenantID:    p.TenantID,
		Role:        p.Role,
		Roles:       roles,
		Permissions: perms,
		Projects:    p.Projects,
		Tenant:      p.Tenant,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role != "" {
		obs.Ctx(r.Context()).Info().Str("requested_role", req.Role).Msg("client-selected role ignored on register")
	}
	sess, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:      req.Email,
		Password:   req.Password,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		TenantID:   req.TenantID,
		TenantCode: req.TenantCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusCreated, sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := a.svc.Login(r.Context(), auth.LoginInput{Email: req.Email, Password: req.Password, TenantID: req.TenantID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleSSO(w http.ResponseWriter, r *http.Request) {
	var req ssoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := a.svc.AuthenticateWithProvider(r.Context(), auth.SSOInput{
		Provider:   r.PathValue("provider"),
		TenantID:   req.TenantID,
		TenantCode: req.TenantCode,
		Email:      req.Email,
		Password:   req.Password,
		Assertion:  req.Assertion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		raw = strings.TrimSpace(c.Value)
	}
	if raw == "" && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		raw = strings.TrimSpace(req.RefreshToken)
	}
	if raw == "" {
		writeError(w, r, auth.ErrInvalidRefreshToken)
		return
	}
	sess, err := a.svc.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), p.UserID, claims); err != nil {
		writeError(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	writeData(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeData(w, http.StatusOK, profileOf(p))
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	perms := p.Permissions.List()
	if perms == nil {
		perms = []string{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"role":        p.Role,
		"roles":       p.Roles,
		"permissions": perms,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	writeData(w, http.StatusOK, map[string]any{"message": "password changed"})
}

func (a *API) writeSession(w http.ResponseWriter, code int, sess auth.Session) {
	a.setSessionCookies(w, sess.Tokens)
	writeData(w, code, sessionResponse{
		Token:            sess.Tokens.AccessToken,
		RefreshToken:     sess.Tokens.RefreshToken,
		ExpiresIn:        sess.Tokens.ExpiresIn,
		ExpiresAt:        sess.Tokens.AccessExpiresAt,
		RefreshExpiresAt: sess.Tokens.RefreshExpiresAt,
		User:             profileOf(sess.Principal),
	})
}

func (a *API) setSessionCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessCookie, pair.AccessToken, int(a.svc.Issuer().AccessTTL().Seconds())))
	http.SetCookie(w, a.cookie(refreshCookie, pair.RefreshToken, int(a.svc.Issuer().RefreshTTL().Seconds())))
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(accessCookie, "", -1))
	a.clearRefreshCookie(w)
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(refreshCookie, "", -1))
}

func (a *API) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}
