package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flurbudurbur/Quill/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type authService interface {
	Login(ctx context.Context, email, password string) (*domain.Identity, error)
	Register(ctx context.Context, email, password, displayName string) (*domain.Identity, error)
	Logout(ctx context.Context) error
	CurrentIdentity() *domain.Identity
	IsAuthenticated() bool
}

type authHandler struct {
	log     zerolog.Logger
	encoder encoder
	service authService
}

func newAuthHandler(encoder encoder, log zerolog.Logger, service authService) *authHandler {
	return &authHandler{
		log:     log,
		encoder: encoder,
		service: service,
	}
}

func (h authHandler) Routes(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/register", h.register)
	r.Post("/logout", h.logout)
	r.Get("/me", h.me)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (h authHandler) login(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		data loginRequest
	)

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.log.Warn().Err(err).Msg("Auth: Failed to decode login request body")
		h.encoder.StatusResponse(ctx, w, errorResponse{Message: "invalid request body", Status: http.StatusBadRequest}, http.StatusBadRequest)
		return
	}

	identity, err := h.service.Login(ctx, data.Email, data.Password)
	if err != nil {
		h.log.Warn().Err(err).Msgf("Auth: Failed login attempt ip: %s", getClientIP(r))
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.StatusResponse(ctx, w, identity, http.StatusOK)
}

func (h authHandler) register(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		data registerRequest
	)

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.log.Warn().Err(err).Msg("Auth: Failed to decode register request body")
		h.encoder.StatusResponse(ctx, w, errorResponse{Message: "invalid request body", Status: http.StatusBadRequest}, http.StatusBadRequest)
		return
	}

	identity, err := h.service.Register(ctx, data.Email, data.Password, data.Name)
	if err != nil {
		h.log.Warn().Err(err).Msgf("Auth: Failed registration ip: %s", getClientIP(r))
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.log.Info().Str("user_id", identity.ID).Msg("Auth: registered new account")
	h.encoder.StatusCreatedData(w, identity)
}

func (h authHandler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Auth: logout failed")
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.NoContent(w)
}

func (h authHandler) me(w http.ResponseWriter, r *http.Request) {
	identity := h.service.CurrentIdentity()
	if identity == nil {
		h.encoder.DomainError(w, domain.ErrUnauthenticated, nil)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, identity, http.StatusOK)
}
