package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/brightboard/auth-service/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	authService  *service.AuthService
	resetService *service.ResetService
	logger       *logrus.Logger
}

func NewAuthHandlers(
	authService *service.AuthService,
	resetService *service.ResetService,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		authService:  authService,
		resetService: resetService,
		logger:       logger,
	}
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Email           string `json:"email"`
	ResetCredential string `json:"reset_credential"`
	NewPassword     string `json:"new_password"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type FieldError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type ValidationErrorResponse struct {
	Errors []FieldError `json:"errors"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if fieldErrors := validateRegister(&req); len(fieldErrors) > 0 {
		h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: fieldErrors})
		return
	}

	user, pair, err := h.authService.Register(r.Context(), service.RegisterParams{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameTaken):
			h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: []FieldError{
				{Code: "USERNAME_TAKEN", Description: "Username is already taken"},
			}})
		case errors.Is(err, service.ErrEmailTaken):
			h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: []FieldError{
				{Code: "EMAIL_TAKEN", Description: "Email is already taken"},
			}})
		default:
			h.logger.WithError(err).Error("Failed to register user")
			h.respondWithError(w, http.StatusInternalServerError, "REGISTRATION_FAILED", "Failed to register user")
		}
		return
	}

	h.respondWithJSON(w, http.StatusCreated, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		AvatarURL:    user.AvatarURL,
	})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	user, pair, err := h.authService.Login(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			// One generic message for every mismatch; no account enumeration.
			h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
			return
		}
		h.logger.WithError(err).Error("Failed to log in user")
		h.respondWithError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Failed to log in")
		return
	}

	h.respondWithJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		AvatarURL:    user.AvatarURL,
	})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	user, pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrTokenNotActive) {
			h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
			return
		}
		h.logger.WithError(err).Error("Failed to refresh tokens")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return
	}

	h.respondWithJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		AvatarURL:    user.AvatarURL,
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// The body is optional on logout; an unreadable one means there is
		// nothing to revoke.
		req.RefreshToken = ""
	}

	if req.RefreshToken != "" {
		if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
			h.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
		}
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	if !isValidEmail(email) {
		h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: []FieldError{
			{Code: "INVALID_EMAIL", Description: "Invalid email format"},
		}})
		return
	}

	if err := h.resetService.Request(r.Context(), email); err != nil {
		switch {
		case errors.Is(err, service.ErrEmailNotFound):
			h.respondWithError(w, http.StatusBadRequest, "EMAIL_NOT_FOUND", "No account for that email")
		case errors.Is(err, service.ErrDispatchFailed):
			h.respondWithError(w, http.StatusInternalServerError, "DISPATCH_FAILED", "Failed to send reset email")
		default:
			h.logger.WithError(err).Error("Failed to request password reset")
			h.respondWithError(w, http.StatusInternalServerError, "RESET_REQUEST_FAILED", "Failed to request password reset")
		}
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password reset instructions sent"})
}

func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if fieldErrors := validateResetPassword(&req); len(fieldErrors) > 0 {
		h.respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{Errors: fieldErrors})
		return
	}

	err := h.resetService.Confirm(r.Context(), strings.TrimSpace(req.Email), req.ResetCredential, req.NewPassword)
	if err != nil {
		if errors.Is(err, service.ErrResetInvalid) {
			h.respondWithError(w, http.StatusBadRequest, "INVALID_RESET_CREDENTIAL", "Invalid or expired reset credential")
			return
		}
		h.logger.WithError(err).Error("Failed to reset password")
		h.respondWithError(w, http.StatusInternalServerError, "RESET_FAILED", "Failed to reset password")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password updated successfully"})
}

func validateRegister(req *RegisterRequest) []FieldError {
	var fieldErrors []FieldError

	if len(req.Username) < 3 || len(req.Username) > 32 {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "INVALID_USERNAME",
			Description: "Username must be between 3 and 32 characters",
		})
	}
	if !isValidEmail(req.Email) {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "INVALID_EMAIL",
			Description: "Invalid email format",
		})
	}
	if len(req.Password) < 6 {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "INVALID_PASSWORD",
			Description: "Password must be at least 6 characters",
		})
	}

	return fieldErrors
}

func validateResetPassword(req *ResetPasswordRequest) []FieldError {
	var fieldErrors []FieldError

	if !isValidEmail(strings.TrimSpace(req.Email)) {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "INVALID_EMAIL",
			Description: "Invalid email format",
		})
	}
	if req.ResetCredential == "" {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "MISSING_CREDENTIAL",
			Description: "Reset credential is required",
		})
	}
	if len(req.NewPassword) < 6 {
		fieldErrors = append(fieldErrors, FieldError{
			Code:        "INVALID_PASSWORD",
			Description: "Password must be at least 6 characters",
		})
	}

	return fieldErrors
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}
