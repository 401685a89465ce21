package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/repository"
)

// CredentialStore is the account view sign-in reads and the failure
// counters it updates
type CredentialStore interface {
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
	ResetFailedAttempts(ctx context.Context, id string) error
	LockUntil(ctx context.Context, id string, until time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// SignInState is the terminal state a successful sign-in request ends in.
// Rejections are returned as errors instead.
type SignInState string

const (
	StateBypassedSession SignInState = "bypassed_session"
	StateChallengeIssued SignInState = "challenge_issued"
	StateDirectSession   SignInState = "direct_session"
	StateVerifiedSession SignInState = "verified_session"
)

// SignInRequest contains the data for one sign-in attempt
type SignInRequest struct {
	Email    string
	Password string
	// ClientFingerprint is the fingerprint the client computed itself
	ClientFingerprint string
	// CookieFingerprint is the value of the device cookie, if any
	CookieFingerprint string
	Metadata          model.DeviceMetadata
	RememberMe        bool
	TrustDevice       bool
	Client            model.ClientContext
}

// SignInResult describes a request that got past the credential check
type SignInResult struct {
	State         SignInState
	User          *model.User
	Device        *model.Device
	Fingerprint   string
	DeviceTrusted bool
	Risk          model.RiskAssessment
	Session       *IssuedSession
	Challenge     *model.SecondFactorChallenge
}

// SecurityScore is the inverse of the risk score, higher is safer
func (r *SignInResult) SecurityScore() int {
	return model.MaxRiskScore - r.Risk.Score
}

// SignInService runs the sign-in decision
type SignInService struct {
	users      CredentialStore
	limiter    *RateLimiter
	devices    *DeviceResolver
	trustCache *TrustCache
	granter    *DeviceTrustGranter
	risk       *RiskEngine
	sessions   *SessionIssuer
	challenges *ChallengeService
	audit      AuditRecorder
	notifier   Notifier
	cfg        *config.Config
	hashParams *auth.Argon2Params
	now        func() time.Time
	log        *logger.Logger
}

// NewSignInService creates a new SignInService
func NewSignInService(
	users CredentialStore,
	limiter *RateLimiter,
	devices *DeviceResolver,
	trustCache *TrustCache,
	granter *DeviceTrustGranter,
	risk *RiskEngine,
	sessions *SessionIssuer,
	challenges *ChallengeService,
	audit AuditRecorder,
	notifier Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *SignInService {
	return &SignInService{
		users:      users,
		limiter:    limiter,
		devices:    devices,
		trustCache: trustCache,
		granter:    granter,
		risk:       risk,
		sessions:   sessions,
		challenges: challenges,
		audit:      audit,
		notifier:   notifier,
		cfg:        cfg,
		hashParams: passwordParams(cfg.Security.Password),
		now:        time.Now,
		log:        log.WithComponent("signin"),
	}
}

// SignIn decides one attempt. It returns *RateLimitedError,
// ErrInvalidCredentials or *AccountLockedError for rejections and a plain
// error for infrastructure failures.
func (s *SignInService) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	cc := req.Client

	decision, err := s.limiter.Check(ctx, cc.IP, email)
	if err != nil {
		metrics.SignInAttemptsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !decision.Allowed {
		metrics.SignInAttemptsTotal.WithLabelValues("rate_limited").Inc()
		s.record(nil, email, model.AuditActionRateLimited, cc, s.cfg.Security.RateLimiting.RejectionRiskScore, nil, true, map[string]interface{}{
			"attempts": decision.Count,
		})
		return nil, &RateLimitedError{RetryAfter: decision.Remaining}
	}

	user, err := s.findUser(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			metrics.SignInAttemptsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("look up account: %w", err)
		}
		auth.VerifyDummy(req.Password)
		metrics.SignInAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		s.record(nil, email, model.AuditActionLoginFailed, cc, 0, nil, false, map[string]interface{}{
			"reason": "unknown_account",
		})
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if user.IsLocked(now) {
		metrics.SignInAttemptsTotal.WithLabelValues("locked").Inc()
		s.record(user, email, model.AuditActionLoginFailed, cc, s.cfg.Security.RateLimiting.RejectionRiskScore, nil, true, map[string]interface{}{
			"reason":       "account_locked",
			"locked_until": user.LockedUntil.UTC().Format(time.RFC3339),
		})
		return nil, &AccountLockedError{Until: *user.LockedUntil}
	}

	valid, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("stored password hash could not be verified")
		valid = false
	}
	if !valid || !user.IsActive() {
		return nil, s.rejectCredentials(ctx, user, email, cc, now, valid)
	}

	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		if err := s.withCredentialTimeout(ctx, func(ctx context.Context) error {
			return s.users.ResetFailedAttempts(ctx, user.ID)
		}); err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to reset failed attempts")
		}
	}

	s.upgradePasswordHash(ctx, user, req.Password)

	fingerprint := ResolveFingerprint(req.CookieFingerprint, req.ClientFingerprint, cc)
	resolved, err := s.devices.Resolve(ctx, user.ID, fingerprint, DeviceSignals{Client: cc, Metadata: req.Metadata})
	if err != nil {
		metrics.SignInAttemptsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve device: %w", err)
	}

	trusted := resolved.Device.Trusted
	if !trusted {
		cached, err := s.trustCache.IsTrusted(ctx, user.ID, fingerprint)
		if err != nil {
			s.log.Warn().Err(err).Str("device_id", resolved.Device.ID).Msg("trust cache unavailable, using stored flag")
		}
		trusted = cached
	}

	risk := s.risk.Score(ctx, user.ID, RiskContext{
		Client:        cc,
		DeviceID:      resolved.Device.ID,
		NewDevice:     resolved.Created,
		DeviceTrusted: trusted,
		At:            now,
	})
	metrics.RiskScore.Observe(float64(risk.Score))

	result := &SignInResult{
		User:          user,
		Device:        resolved.Device,
		Fingerprint:   resolved.Fingerprint,
		DeviceTrusted: trusted,
		Risk:          risk,
	}

	switch {
	case user.TwoFactorEnabled && trusted && risk.AllowTrustedDeviceBypass:
		err = s.bypass(ctx, req, resolved, result)
	case user.TwoFactorEnabled:
		err = s.challenge(ctx, req, result)
	default:
		err = s.direct(ctx, req, resolved, result)
	}
	if err != nil {
		metrics.SignInAttemptsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.SignInAttemptsTotal.WithLabelValues(string(result.State)).Inc()
	return result, nil
}

// rejectCredentials counts the failure and locks the account once the
// threshold is reached. The attempt that sets the lock still gets 401.
func (s *SignInService) rejectCredentials(ctx context.Context, user *model.User, email string, cc model.ClientContext, now time.Time, passwordMatched bool) error {
	metrics.SignInAttemptsTotal.WithLabelValues("invalid_credentials").Inc()

	if passwordMatched {
		s.record(user, email, model.AuditActionLoginFailed, cc, 0, nil, false, map[string]interface{}{
			"reason": "account_disabled",
		})
		return ErrInvalidCredentials
	}

	var attempts int
	err := s.withCredentialTimeout(ctx, func(ctx context.Context) error {
		var err error
		attempts, err = s.users.RecordFailedAttempt(ctx, user.ID)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to record failed attempt")
		s.record(user, email, model.AuditActionLoginFailed, cc, 0, nil, false, map[string]interface{}{
			"reason": "invalid_password",
		})
		return ErrInvalidCredentials
	}

	lockout := s.cfg.Security.Lockout
	if attempts < lockout.Threshold {
		s.record(user, email, model.AuditActionLoginFailed, cc, 0, nil, false, map[string]interface{}{
			"reason":   "invalid_password",
			"attempts": attempts,
		})
		return ErrInvalidCredentials
	}

	until := now.Add(LockDuration(lockout, attempts))
	if err := s.withCredentialTimeout(ctx, func(ctx context.Context) error {
		return s.users.LockUntil(ctx, user.ID, until)
	}); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to lock account")
	} else {
		s.log.Warn().
			Str("user_id", user.ID).
			Int("attempts", attempts).
			Time("locked_until", until).
			Msg("account locked after repeated failures")
	}

	s.record(user, email, model.AuditActionLoginFailed, cc, s.cfg.Security.RateLimiting.RejectionRiskScore, nil, true, map[string]interface{}{
		"reason":       "account_locked",
		"attempts":     attempts,
		"locked_until": until.UTC().Format(time.RFC3339),
	})
	return ErrInvalidCredentials
}

// LockDuration doubles the base lock for every further threshold multiple
// of consecutive failures, up to the configured maximum
func LockDuration(cfg config.LockoutConfig, attempts int) time.Duration {
	d := cfg.Duration
	if cfg.Threshold <= 0 {
		return d
	}
	for steps := attempts/cfg.Threshold - 1; steps > 0 && d < cfg.MaxDuration; steps-- {
		d *= 2
	}
	if cfg.MaxDuration > 0 && d > cfg.MaxDuration {
		d = cfg.MaxDuration
	}
	return d
}

func (s *SignInService) bypass(ctx context.Context, req SignInRequest, resolved *ResolvedDevice, result *SignInResult) error {
	issued, err := s.sessions.Issue(ctx, IssueRequest{
		UserID:      result.User.ID,
		Email:       result.User.Email,
		DeviceID:    result.Device.ID,
		Trusted:     true,
		Bypassed2FA: true,
		RiskScore:   result.Risk.Score,
		Client:      req.Client,
	})
	if err != nil {
		return err
	}
	result.State = StateBypassedSession
	result.Session = issued

	s.clearLimiter(ctx, req.Client.IP, result.User.Email)
	s.record(result.User, result.User.Email, model.AuditActionLoginSuccessTrustedDevice, req.Client, result.Risk.Score, result.Risk.FactorStrings(), false, map[string]interface{}{
		"session_id":  issued.Session.ID,
		"device_id":   result.Device.ID,
		"remember_me": req.RememberMe,
	})
	s.notifyIfNewDevice(ctx, result.User, resolved, req.Client)
	return nil
}

func (s *SignInService) challenge(ctx context.Context, req SignInRequest, result *SignInResult) error {
	ch, err := s.challenges.Create(ctx, ChallengeRequest{
		User:          result.User,
		Device:        result.Device,
		Fingerprint:   result.Fingerprint,
		DeviceTrusted: result.DeviceTrusted,
		Risk:          result.Risk,
	})
	if err != nil {
		return err
	}
	result.State = StateChallengeIssued
	result.Challenge = ch

	s.clearLimiter(ctx, req.Client.IP, result.User.Email)
	s.record(result.User, result.User.Email, model.AuditActionLogin2FARequired, req.Client, result.Risk.Score, result.Risk.FactorStrings(), false, map[string]interface{}{
		"challenge_id": ch.ID,
		"device_id":    result.Device.ID,
		"methods":      ch.Methods.All(),
	})
	return nil
}

func (s *SignInService) direct(ctx context.Context, req SignInRequest, resolved *ResolvedDevice, result *SignInResult) error {
	issued, err := s.sessions.Issue(ctx, IssueRequest{
		UserID:    result.User.ID,
		Email:     result.User.Email,
		DeviceID:  result.Device.ID,
		Trusted:   result.DeviceTrusted,
		RiskScore: result.Risk.Score,
		Client:    req.Client,
	})
	if err != nil {
		return err
	}
	result.State = StateDirectSession
	result.Session = issued

	trustGranted := false
	if req.TrustDevice && !result.DeviceTrusted {
		grant := newTrustGrant(result.User.ID, result.Device.ID, result.Fingerprint)
		if err := s.granter.GrantTrust(ctx, grant); err != nil {
			s.log.Warn().Err(err).Str("device_id", result.Device.ID).Msg("failed to trust device")
		} else {
			trustGranted = true
			result.DeviceTrusted = true
			result.Device.Trusted = true
		}
	}

	s.clearLimiter(ctx, req.Client.IP, result.User.Email)
	s.record(result.User, result.User.Email, model.AuditActionLoginSuccess, req.Client, result.Risk.Score, result.Risk.FactorStrings(), false, map[string]interface{}{
		"session_id":    issued.Session.ID,
		"device_id":     result.Device.ID,
		"new_device":    resolved.Created,
		"trust_granted": trustGranted,
		"remember_me":   req.RememberMe,
	})
	s.notifyIfNewDevice(ctx, result.User, resolved, req.Client)
	return nil
}

func (s *SignInService) findUser(ctx context.Context, email string) (*model.User, error) {
	var user *model.User
	err := s.withCredentialTimeout(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.FindUserByEmail(ctx, email)
		return err
	})
	return user, err
}

func (s *SignInService) withCredentialTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Credential)
	defer cancel()
	return fn(ctx)
}

func (s *SignInService) clearLimiter(ctx context.Context, ip, email string) {
	if err := s.limiter.Clear(ctx, ip, email); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear sign-in rate limit")
	}
}

// notifyIfNewDevice alerts the account owner when a device appears on an
// account that already had others
func (s *SignInService) notifyIfNewDevice(ctx context.Context, user *model.User, resolved *ResolvedDevice, cc model.ClientContext) {
	if !resolved.Created {
		return
	}
	count, err := s.devices.CountDevices(ctx, user.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to count devices")
		return
	}
	if count > 1 {
		s.notifier.NotifyNewDevice(ctx, user.Email, cc)
	}
}

func (s *SignInService) record(user *model.User, email string, action model.AuditAction, cc model.ClientContext, riskScore int, factors []string, flagged bool, metadata map[string]interface{}) {
	var userID *string
	if user != nil {
		id := user.ID
		userID = &id
	}
	s.audit.Record(&model.AuditEvent{
		UserID:      userID,
		Email:       email,
		Action:      action,
		Client:      cc,
		RiskScore:   riskScore,
		RiskFactors: factors,
		Flagged:     flagged,
		Metadata:    metadata,
	})
}

func passwordParams(c config.PasswordConfig) *auth.Argon2Params {
	if c.MemoryKiB == 0 || c.Iterations == 0 || c.Parallelism == 0 {
		return auth.DefaultParams()
	}
	return auth.NewParams(c.MemoryKiB, c.Iterations, c.Parallelism)
}

// upgradePasswordHash replaces a bcrypt or under-cost argon2id hash after the
// password has been proven. Failure leaves the old hash in place.
func (s *SignInService) upgradePasswordHash(ctx context.Context, user *model.User, password string) {
	if !auth.NeedsRehash(user.PasswordHash, s.hashParams) {
		return
	}
	hash, err := auth.HashPassword(password, s.hashParams)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("password rehash failed")
		return
	}
	if err := s.withCredentialTimeout(ctx, func(ctx context.Context) error {
		return s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to store upgraded password hash")
		return
	}
	s.log.Info().Str("user_id", user.ID).Msg("password hash upgraded")
}
