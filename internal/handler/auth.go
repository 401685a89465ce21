package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/coursemart/signin/internal/clientinfo"
	"github.com/coursemart/signin/internal/middleware"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/service"
)

// --- Login Handler ---

type loginRequest struct {
	Email             string                `json:"email" validate:"required,email,max=254"`
	Password          string                `json:"password" validate:"required,max=1024"`
	DeviceFingerprint string                `json:"deviceFingerprint,omitempty"`
	DeviceMetadata    *model.DeviceMetadata `json:"deviceMetadata,omitempty" validate:"-"`
	RememberMe        bool                  `json:"rememberMe,omitempty"`
	TrustDevice       bool                  `json:"trustDevice,omitempty"`
}

type sessionResponse struct {
	RequiresTwoFactor bool             `json:"requiresTwoFactor"`
	User              model.PublicUser `json:"user"`
	DeviceTrusted     bool             `json:"deviceTrusted"`
	SecurityScore     int              `json:"securityScore"`
	RiskScore         int              `json:"riskScore"`
	RiskFactors       []string         `json:"riskFactors"`
	BypassedTwoFactor bool             `json:"bypassedTwoFactor"`
	ExpiresAt         time.Time        `json:"expiresAt"`
}

type challengeResponse struct {
	RequiresTwoFactor bool                   `json:"requiresTwoFactor"`
	ChallengeID       string                 `json:"challengeId"`
	Methods           model.ChallengeMethods `json:"methods"`
	PreferredMethod   *model.MFAMethodType   `json:"preferredMethod,omitempty"`
	ExpiresAt         time.Time              `json:"expiresAt"`
}

// Login handles the sign-in decision
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil || h.validate.Struct(&req) != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "A valid email and password are required.")
		return
	}

	var metadata model.DeviceMetadata
	if req.DeviceMetadata != nil {
		if err := h.validate.Struct(req.DeviceMetadata); err != nil {
			h.requestLog(r).Debug().Err(err).Msg("ignoring invalid device metadata")
		} else {
			metadata = *req.DeviceMetadata
		}
	}

	var cookieFingerprint string
	if c, err := r.Cookie(h.cfg.Cookie.DeviceName); err == nil {
		cookieFingerprint = c.Value
	}

	// A client disconnect must not interrupt a decision half way through.
	ctx := context.WithoutCancel(r.Context())

	result, err := h.signIn.SignIn(ctx, service.SignInRequest{
		Email:             req.Email,
		Password:          req.Password,
		ClientFingerprint: req.DeviceFingerprint,
		CookieFingerprint: cookieFingerprint,
		Metadata:          metadata,
		RememberMe:        req.RememberMe,
		TrustDevice:       req.TrustDevice,
		Client:            clientinfo.FromRequest(r),
	})
	if err != nil {
		h.writeSignInError(w, r, err)
		return
	}

	h.writeSignInResult(w, result)
}

// --- Second-factor verification ---

type verifyRequest struct {
	ChallengeID string              `json:"challengeId" validate:"required,max=128"`
	Method      model.MFAMethodType `json:"method" validate:"required,max=32"`
	Code        string              `json:"code" validate:"required,max=128"`
}

// VerifyChallenge completes a pending second-factor challenge
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(w, r, &req); err != nil || h.validate.Struct(&req) != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "challengeId, method and code are required.")
		return
	}

	ctx := context.WithoutCancel(r.Context())

	result, err := h.challenges.Complete(ctx, service.CompleteRequest{
		ChallengeID: req.ChallengeID,
		Method:      req.Method,
		Code:        req.Code,
		Client:      clientinfo.FromRequest(r),
	})
	if err != nil {
		h.writeSignInError(w, r, err)
		return
	}

	h.writeSignInResult(w, result)
}

func (h *Handler) writeSignInResult(w http.ResponseWriter, result *service.SignInResult) {
	h.setDeviceCookie(w, result.Fingerprint)

	if result.State == service.StateChallengeIssued {
		ch := result.Challenge
		writeJSON(w, http.StatusOK, challengeResponse{
			RequiresTwoFactor: true,
			ChallengeID:       ch.ID,
			Methods:           ch.Methods,
			PreferredMethod:   ch.PreferredMethod,
			ExpiresAt:         ch.ExpiresAt,
		})
		return
	}

	h.setSessionCookie(w, result.Session)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:              result.User.Public(),
		DeviceTrusted:     result.DeviceTrusted,
		SecurityScore:     result.SecurityScore(),
		RiskScore:         result.Risk.Score,
		RiskFactors:       result.Risk.FactorStrings(),
		BypassedTwoFactor: result.Session.Session.Bypassed2FA,
		ExpiresAt:         result.Session.Session.ExpiresAt,
	})
}

// writeSignInError maps a rejection to its status. Nothing beyond the wait
// time is revealed to the client.
func (h *Handler) writeSignInError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *service.RateLimitedError
	var locked *service.AccountLockedError

	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("Too many sign-in attempts. Try again in %s.", minutes(limited.RetryAfterMinutes())))
	case errors.As(err, &locked):
		writeError(w, http.StatusLocked, "account_locked",
			fmt.Sprintf("This account is temporarily locked. Try again in %s.", minutes(locked.RemainingMinutes(time.Now()))))
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "The email or password is incorrect.")
	case errors.Is(err, service.ErrChallengeNotFound):
		writeError(w, http.StatusUnauthorized, "challenge_expired", "This verification request has expired. Please sign in again.")
	case errors.Is(err, service.ErrChallengeBusy):
		writeError(w, http.StatusConflict, "verification_in_progress", "This verification is already being processed. Please try again.")
	case errors.Is(err, service.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid_code", "The verification code is incorrect.")
	case errors.Is(err, service.ErrMethodNotOffered):
		writeError(w, http.StatusBadRequest, "method_not_offered", "This verification method is not available for this sign-in.")
	case errors.Is(err, service.ErrMethodUnsupported):
		writeError(w, http.StatusBadRequest, "method_unsupported", "This verification method is completed elsewhere.")
	default:
		h.requestLog(r).Error().Err(err).Str("path", r.URL.Path).Msg("sign-in failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Sign-in failed. Please try again.")
	}
}

func minutes(n int) string {
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}

// --- Logout Handler ---

// Logout revokes the current session and clears its cookie
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := r.Context().Value(middleware.SessionIDKey).(string)
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	if err := h.sessions.Revoke(context.WithoutCancel(r.Context()), sessionID); err != nil {
		h.requestLog(r).Error().Err(err).Msg("logout failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// --- Current session ---

type currentSessionResponse struct {
	User    currentUser    `json:"user"`
	Session currentSession `json:"session"`
}

type currentUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type currentSession struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"deviceId"`
	Trusted           bool      `json:"trusted"`
	BypassedTwoFactor bool      `json:"bypassedTwoFactor"`
	ExpiresAt         time.Time `json:"expiresAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Session returns the caller's user and session
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	email, _ := r.Context().Value(middleware.EmailKey).(string)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	writeJSON(w, http.StatusOK, currentSessionResponse{
		User: currentUser{ID: session.UserID, Email: email},
		Session: currentSession{
			ID:                session.ID,
			DeviceID:          session.DeviceID,
			Trusted:           session.Trusted,
			BypassedTwoFactor: session.Bypassed2FA,
			ExpiresAt:         session.ExpiresAt,
			CreatedAt:         session.CreatedAt,
		},
	})
}
