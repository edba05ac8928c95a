package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"licensegate/internal/auth"
	apperrors "licensegate/internal/errors"
)

// AuthHandler serves sign-in, sign-out, and the current-session probe.
type AuthHandler struct {
	manager  *auth.Manager
	validate *validator.Validate
}

func NewAuthHandler(manager *auth.Manager) *AuthHandler {
	return &AuthHandler{manager: manager, validate: validator.New()}
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignIn handles POST /api/auth/signin.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		apperrors.Respond(w, r, apperrors.Invalid("malformed JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.Respond(w, r, apperrors.Validation("invalid request", validationDetails(err)))
		return
	}

	session, apiErr := h.manager.SignIn(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if apiErr != nil {
		apperrors.Respond(w, r, apiErr)
		return
	}
	respondOK(w, r, session)
}

// SignOut handles POST /api/auth/signout.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		apperrors.Respond(w, r, apperrors.Unauthorized("missing bearer token"))
		return
	}
	h.manager.SignOut(r.Context(), token, clientIP(r), r.UserAgent())
	respondOK(w, r, map[string]any{"signed_out": true})
}

// Session handles GET /api/auth/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	profile, err := h.manager.CurrentUser(r.Context(), bearerToken(r))
	if err != nil {
		apperrors.Respond(w, r, apperrors.Unauthorized("no active session"))
		return
	}
	respondOK(w, r, profile)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
