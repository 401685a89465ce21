package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/middleware"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/service"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps request bodies on the public endpoints
const maxBodyBytes = 64 << 10

// SignInFlow runs the sign-in decision
type SignInFlow interface {
	SignIn(ctx context.Context, req service.SignInRequest) (*service.SignInResult, error)
}

// ChallengeFlow completes second-factor challenges
type ChallengeFlow interface {
	Complete(ctx context.Context, req service.CompleteRequest) (*service.SignInResult, error)
}

// SessionManager validates and revokes sessions
type SessionManager interface {
	Validate(ctx context.Context, token string) (*auth.SessionClaims, *model.Session, error)
	Revoke(ctx context.Context, sessionID string) error
}

// DeviceLister reads a user's devices
type DeviceLister interface {
	ListDevices(ctx context.Context, userID string) ([]model.Device, error)
}

// HealthChecker is a dependency that can report its health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds all HTTP handlers
type Handler struct {
	log        *logger.Logger
	cfg        *config.Config
	signIn     SignInFlow
	challenges ChallengeFlow
	sessions   SessionManager
	devices    DeviceLister
	checks     map[string]HealthChecker
	validate   *validator.Validate
}

// New creates a new Handler instance
func New(
	log *logger.Logger,
	cfg *config.Config,
	signIn SignInFlow,
	challenges ChallengeFlow,
	sessions SessionManager,
	devices DeviceLister,
	checks map[string]HealthChecker,
) *Handler {
	return &Handler{
		log:        log.WithComponent("http"),
		cfg:        cfg,
		signIn:     signIn,
		challenges: challenges,
		sessions:   sessions,
		devices:    devices,
		checks:     checks,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// readJSON decodes a bounded body. Unknown fields are ignored.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func (h *Handler) requestLog(r *http.Request) *logger.Logger {
	return h.log.WithRequestID(middleware.GetRequestID(r.Context()))
}

// --- Cookie helpers ---

func (h *Handler) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	seconds := int(maxAge.Seconds())
	if maxAge < 0 {
		seconds = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cfg.Cookie.Domain,
		MaxAge:   seconds,
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// setSessionCookie sets the bearer token cookie; it lives exactly as long as the session
func (h *Handler) setSessionCookie(w http.ResponseWriter, issued *service.IssuedSession) {
	http.SetCookie(w, h.cookie(h.cfg.Cookie.SessionName, issued.Token, issued.Lifetime))
}

// setDeviceCookie pins the fingerprint so later sign-ins resolve the same device
func (h *Handler) setDeviceCookie(w http.ResponseWriter, fingerprint string) {
	if fingerprint == "" {
		return
	}
	http.SetCookie(w, h.cookie(h.cfg.Cookie.DeviceName, fingerprint, h.cfg.Security.Device.CookieMaxAge))
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(h.cfg.Cookie.SessionName, "", -1))
}
