package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

type envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Ordered: the first match wins, so wrapped sentinels resolve to the most specific code.
var errorMappings = []errorMapping{
	{auth.ErrAuthenticationRequired, http.StatusUnauthorized, "authentication_required", "authentication required"},
	{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired", "access token expired"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "invalid_token", "invalid access token"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials", "invalid email or password"},
	{auth.ErrAccountLocked, http.StatusLocked, "account_locked", "account is temporarily locked"},
	{auth.ErrUserInactive, http.StatusUnauthorized, "user_inactive", "user account is not active"},
	{auth.ErrInsufficientPermissions, http.StatusForbidden, "insufficient_permissions", "insufficient permissions"},
	{auth.ErrPermissionDenied, http.StatusForbidden, "permission_denied", "permission denied"},
	{auth.ErrResourceAccessDenied, http.StatusForbidden, "resource_access_denied", "access to this resource is denied"},
	{auth.ErrProjectAccessDenied, http.StatusForbidden, "project_access_denied", "access to this project is denied"},
	{auth.ErrPartnerResourceForbidden, http.StatusForbidden, "partner_resource_forbidden", "partners may only read shared resources"},
	{auth.ErrRefreshExpired, http.StatusUnauthorized, "refresh_expired", "refresh token expired"},
	{auth.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token"},
	{auth.ErrAuthenticationFailed, http.StatusUnauthorized, "authentication_failed", "authentication failed"},
	{auth.ErrServiceTokenRequired, http.StatusUnauthorized, "service_token_required", "service token required"},
	{auth.ErrInvalidServiceToken, http.StatusUnauthorized, "invalid_service_token", "invalid service token"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "invalid_request", ""},
	{auth.ErrConflict, http.StatusConflict, "conflict", "resource already exists"},
	{auth.ErrNotFound, http.StatusNotFound, "not_found", "resource not found"},
	{auth.ErrNotImplemented, http.StatusNotImplemented, "not_implemented", "not implemented"},
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

// writeError renders err as the JSON error envelope. Unmapped errors become a
// generic 500 and are logged with their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		obs.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	var locked *auth.AccountLockedError
	if errors.As(err, &locked) {
		if secs := int(time.Until(locked.Until).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="grc"`)
	}
	body.RequestID = obs.RequestIDFromContext(r.Context())
	writeJSON(w, status, body)
}

func errorBody(err error) (int, envelope) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		body := envelope{Error: m.code, Message: m.message}
		var denial *auth.DenialError
		var locked *auth.AccountLockedError
		var invalid *validationError
		switch {
		case errors.As(err, &denial):
			if denial.Message != "" {
				body.Message = denial.Message
			}
			body.Details = denial.Details
		case errors.As(err, &locked):
			body.Details = map[string]any{"lockedUntil": locked.Until.UTC().Format(time.RFC3339)}
		case errors.As(err, &invalid):
			body.Message = "request validation failed"
			body.Details = map[string]any{"fields": invalid.fields}
		case m.target == auth.ErrInvalidInput || m.target == auth.ErrConflict:
			body.Message = strings.TrimPrefix(err.Error(), m.target.Error()+": ")
		}
		return m.status, body
	}
	return http.StatusInternalServerError, envelope{Error: "internal_error", Message: "internal server error"}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validationError lists the failing fields of a request payload.
type validationError struct {
	fields map[string]string
}

func (e *validationError) Error() string {
	parts := make([]string, 0, len(e.fields))
	for f, msg := range e.fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *validationError) Unwrap() error { return auth.ErrInvalidInput }

func validateRequest(v any) error {
	err := requestValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	out := &validationError{fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.fields[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "uuid", "uuid4":
		return "must be a valid UUID"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// decodeJSON reads a single JSON object and validates it.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is required", auth.ErrInvalidInput)
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body too large", auth.ErrInvalidInput)
		default:
			return fmt.Errorf("%w: malformed JSON body", auth.ErrInvalidInput)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", auth.ErrInvalidInput)
	}
	return validateRequest(dst)
}
