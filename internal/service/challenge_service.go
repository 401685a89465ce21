package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/database"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/repository"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// EnrollmentStore reads second-factor enrollment and redeems backup codes
type EnrollmentStore interface {
	ListMethodTypes(ctx context.Context, userID string) ([]model.MFAMethodType, error)
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
	GetMethodByUserAndType(ctx context.Context, userID string, method model.MFAMethodType) (*model.MFAMethod, error)
	TouchMethod(ctx context.Context, id string) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) error
}

// EnrollmentService answers which second factors a user can use and checks
// the ones verified locally
type EnrollmentService struct {
	store   EnrollmentStore
	totp    config.TOTPConfig
	timeout time.Duration
	log     *logger.Logger
}

// NewEnrollmentService creates a new EnrollmentService
func NewEnrollmentService(store EnrollmentStore, totpCfg config.TOTPConfig, timeout time.Duration, log *logger.Logger) *EnrollmentService {
	return &EnrollmentService{store: store, totp: totpCfg, timeout: timeout, log: log.WithComponent("enrollment")}
}

// GetEnrolledMethods lists the user's methods, adding backup codes when any remain
func (s *EnrollmentService) GetEnrolledMethods(ctx context.Context, userID string) ([]model.MFAMethodType, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	methods, err := s.store.ListMethodTypes(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining, err := s.store.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		methods = append(methods, model.MFAMethodBackupCode)
	}
	return methods, nil
}

// VerifyTOTP checks an authenticator-app code
func (s *EnrollmentService) VerifyTOTP(ctx context.Context, userID, code string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	method, err := s.store.GetMethodByUserAndType(ctx, userID, model.MFAMethodTOTP)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	digits := otp.DigitsSix
	if s.totp.Digits == 8 {
		digits = otp.DigitsEight
	}
	valid, err := totp.ValidateCustom(code, method.Secret, at.UTC(), totp.ValidateOpts{
		Period:    uint(s.totp.Period),
		Skew:      s.totp.Skew,
		Digits:    digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return false, nil
	}

	if err := s.store.TouchMethod(ctx, method.ID); err != nil {
		s.log.Warn().Err(err).Str("method_id", method.ID).Msg("failed to record second-factor use")
	}
	return true, nil
}

// RedeemBackupCode consumes a backup code; each code works once
func (s *EnrollmentService) RedeemBackupCode(ctx context.Context, userID, code string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	err := s.store.ConsumeBackupCode(ctx, userID, auth.HashToken(normalized))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// PartitionMethods splits methods into the primary and additional groups,
// dropping unknown names and duplicates
func PartitionMethods(methods []model.MFAMethodType) model.ChallengeMethods {
	out := model.ChallengeMethods{
		Primary:    []model.MFAMethodType{},
		Additional: []model.MFAMethodType{},
	}
	seen := make(map[model.MFAMethodType]bool, len(methods))
	for _, m := range methods {
		if !m.IsKnown() || seen[m] {
			continue
		}
		seen[m] = true
		if m.IsPrimary() {
			out.Primary = append(out.Primary, m)
		} else {
			out.Additional = append(out.Additional, m)
		}
	}
	return out
}

// ChallengeCache is the cache store challenges live in
type ChallengeCache interface {
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}

// ChallengeStore keeps pending challenges with a TTL
type ChallengeStore struct {
	cache   ChallengeCache
	ttl     time.Duration
	timeout time.Duration
}

// NewChallengeStore creates a new ChallengeStore
func NewChallengeStore(cache ChallengeCache, ttl, timeout time.Duration) *ChallengeStore {
	return &ChallengeStore{cache: cache, ttl: ttl, timeout: timeout}
}

// Save stores a challenge until it expires
func (s *ChallengeStore) Save(ctx context.Context, ch *model.SecondFactorChallenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cache.SetWithTTL(ctx, challengeKey(ch.ID), data, s.ttl)
}

// Get reads a challenge without consuming it
func (s *ChallengeStore) Get(ctx context.Context, id string) (*model.SecondFactorChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return decodeChallenge(s.cache.GetString(ctx, challengeKey(id)))
}

// Consume reads and deletes a challenge in one step. Of several concurrent
// callers exactly one gets it.
func (s *ChallengeStore) Consume(ctx context.Context, id string) (*model.SecondFactorChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return decodeChallenge(s.cache.GetDel(ctx, challengeKey(id)))
}

// RecordAttempt counts a verification attempt against the challenge
func (s *ChallengeStore) RecordAttempt(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, _, err := s.cache.IncrWithExpiry(ctx, challengeAttemptsKey(id), s.ttl)
	return n, err
}

// challengeClaimTTL bounds how long a crashed completion can block the
// challenge. It outlasts the store and credential timeouts of one attempt.
const challengeClaimTTL = 30 * time.Second

// Claim gives the caller exclusive right to verify the challenge. The
// returned release must be called once the attempt is over. A second caller
// gets ErrChallengeBusy until then.
func (s *ChallengeStore) Claim(ctx context.Context, id string) (func(), error) {
	claimCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.cache.SetNX(claimCtx, challengeClaimKey(id), "1", challengeClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim challenge: %w", err)
	}
	if !ok {
		return nil, ErrChallengeBusy
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		_ = s.cache.Delete(ctx, challengeClaimKey(id))
	}
	return release, nil
}

// Discard removes a challenge and its attempt counter
func (s *ChallengeStore) Discard(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cache.Delete(ctx, challengeKey(id), challengeAttemptsKey(id))
}

func challengeKey(id string) string         { return "challenge:" + id }
func challengeAttemptsKey(id string) string { return "challenge_attempts:" + id }
func challengeClaimKey(id string) string    { return "challenge_claim:" + id }

func decodeChallenge(raw string, err error) (*model.SecondFactorChallenge, error) {
	if err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var ch model.SecondFactorChallenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// ChallengeRequest is the snapshot a challenge is created from
type ChallengeRequest struct {
	User          *model.User
	Device        *model.Device
	Fingerprint   string
	DeviceTrusted bool
	Risk          model.RiskAssessment
}

// CompleteRequest is a second-factor answer
type CompleteRequest struct {
	ChallengeID string
	Method      model.MFAMethodType
	Code        string
	Client      model.ClientContext
}

// ChallengeService issues and completes second-factor challenges
type ChallengeService struct {
	store      *ChallengeStore
	enrollment *EnrollmentService
	issuer     *SessionIssuer
	limiter    *RateLimiter
	audit      AuditRecorder
	notifier   Notifier
	cfg        config.ChallengeConfig
	now        func() time.Time
	log        *logger.Logger
}

// NewChallengeService creates a new ChallengeService
func NewChallengeService(
	store *ChallengeStore,
	enrollment *EnrollmentService,
	issuer *SessionIssuer,
	limiter *RateLimiter,
	audit AuditRecorder,
	notifier Notifier,
	cfg config.ChallengeConfig,
	log *logger.Logger,
) *ChallengeService {
	return &ChallengeService{
		store:      store,
		enrollment: enrollment,
		issuer:     issuer,
		limiter:    limiter,
		audit:      audit,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		log:        log.WithComponent("challenge"),
	}
}

// Create stores a challenge carrying the trust and risk snapshot. Whenever
// email is among the offered methods a code is generated and mailed, so every
// offered method can complete.
func (s *ChallengeService) Create(ctx context.Context, req ChallengeRequest) (*model.SecondFactorChallenge, error) {
	enrolled, err := s.enrollment.GetEnrolledMethods(ctx, req.User.ID)
	if err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("enrollment").Inc()
		s.log.Warn().Err(err).Str("user_id", req.User.ID).Msg("enrollment lookup failed, offering account defaults")
		enrolled = nil
		if req.User.TwoFactorMethod != nil {
			enrolled = append(enrolled, *req.User.TwoFactorMethod)
		}
	}
	methods := PartitionMethods(enrolled)
	if len(methods.Primary) == 0 {
		methods.Primary = append(methods.Primary, model.MFAMethodEmail)
	}

	now := s.now().UTC()
	ch := &model.SecondFactorChallenge{
		ID:            generateID("chl"),
		UserID:        req.User.ID,
		Email:         req.User.Email,
		DeviceID:      req.Device.ID,
		Fingerprint:   req.Fingerprint,
		DeviceTrusted: req.DeviceTrusted,
		Risk:          req.Risk,
		Methods:       methods,
		ExpiresAt:     now.Add(s.cfg.TTL),
		CreatedAt:     now,
	}

	preferred := methods.Primary[0]
	if req.User.TwoFactorMethod != nil && methods.Contains(*req.User.TwoFactorMethod) {
		preferred = *req.User.TwoFactorMethod
	}
	ch.PreferredMethod = &preferred

	var code string
	if methods.Contains(model.MFAMethodEmail) {
		code, err = numericCode(s.cfg.EmailCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate email code: %w", err)
		}
		ch.EmailCodeHash = auth.HashToken(code)
	}

	if err := s.store.Save(ctx, ch); err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("challenge_store").Inc()
		return nil, fmt.Errorf("save challenge: %w", err)
	}

	if code != "" {
		s.notifier.SendSignInCode(ctx, req.User.Email, code, s.cfg.TTL)
	}

	metrics.ChallengesTotal.WithLabelValues("issued").Inc()
	return ch, nil
}

// Complete verifies a second-factor answer, consumes the challenge and
// issues the session. It never changes device trust.
func (s *ChallengeService) Complete(ctx context.Context, req CompleteRequest) (*SignInResult, error) {
	// Backup codes are burnt during verification, so only one attempt per
	// challenge may be between verify and consume at a time.
	release, err := s.store.Claim(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	defer release()

	ch, err := s.store.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			metrics.ChallengesTotal.WithLabelValues("expired").Inc()
		}
		return nil, err
	}

	decision, err := s.limiter.Check(ctx, req.Client.IP, ch.UserID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.record(ch, model.AuditActionRateLimited, req, true, map[string]interface{}{"stage": "second_factor"})
		return nil, &RateLimitedError{RetryAfter: decision.Remaining}
	}

	attempts, err := s.store.RecordAttempt(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("count challenge attempt: %w", err)
	}
	if attempts > int64(s.cfg.MaxAttempts) {
		s.discard(ctx, ch.ID)
		s.record(ch, model.AuditActionLoginFailed, req, true, map[string]interface{}{
			"stage":  "second_factor",
			"reason": "too_many_attempts",
		})
		return nil, ErrChallengeNotFound
	}

	ok, err := s.verify(ctx, ch, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.ChallengesTotal.WithLabelValues("failed").Inc()
		s.record(ch, model.AuditActionLoginFailed, req, false, map[string]interface{}{
			"stage":    "second_factor",
			"method":   string(req.Method),
			"attempts": attempts,
		})
		return nil, ErrInvalidCode
	}

	if _, err := s.store.Consume(ctx, ch.ID); err != nil {
		return nil, err
	}
	s.discard(ctx, ch.ID)

	issued, err := s.issuer.Issue(ctx, IssueRequest{
		UserID:    ch.UserID,
		Email:     ch.Email,
		DeviceID:  ch.DeviceID,
		Trusted:   ch.DeviceTrusted,
		RiskScore: ch.Risk.Score,
		Client:    req.Client,
	})
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Clear(ctx, req.Client.IP, ch.UserID); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear verification rate limit")
	}

	metrics.ChallengesTotal.WithLabelValues("verified").Inc()
	metrics.SignInAttemptsTotal.WithLabelValues("second_factor_verified").Inc()
	s.record(ch, model.AuditActionLoginSuccess, req, false, map[string]interface{}{
		"stage":      "second_factor",
		"method":     string(req.Method),
		"session_id": issued.Session.ID,
	})

	return &SignInResult{
		State:         StateVerifiedSession,
		User:          &model.User{ID: ch.UserID, Email: ch.Email, TwoFactorEnabled: true},
		Device:        &model.Device{ID: ch.DeviceID, UserID: ch.UserID, Trusted: ch.DeviceTrusted},
		Fingerprint:   ch.Fingerprint,
		DeviceTrusted: ch.DeviceTrusted,
		Risk:          ch.Risk,
		Session:       issued,
	}, nil
}

func (s *ChallengeService) verify(ctx context.Context, ch *model.SecondFactorChallenge, req CompleteRequest) (bool, error) {
	if !ch.Methods.Contains(req.Method) {
		return false, ErrMethodNotOffered
	}

	switch req.Method {
	case model.MFAMethodTOTP:
		return s.enrollment.VerifyTOTP(ctx, ch.UserID, strings.TrimSpace(req.Code), s.now())
	case model.MFAMethodBackupCode:
		return s.enrollment.RedeemBackupCode(ctx, ch.UserID, req.Code)
	case model.MFAMethodEmail:
		if ch.EmailCodeHash == "" {
			return false, nil
		}
		got := auth.HashToken(strings.TrimSpace(req.Code))
		return subtle.ConstantTimeCompare([]byte(got), []byte(ch.EmailCodeHash)) == 1, nil
	default:
		return false, ErrMethodUnsupported
	}
}

func (s *ChallengeService) discard(ctx context.Context, id string) {
	if err := s.store.Discard(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("challenge_id", id).Msg("failed to discard challenge")
	}
}

func (s *ChallengeService) record(ch *model.SecondFactorChallenge, action model.AuditAction, req CompleteRequest, flagged bool, metadata map[string]interface{}) {
	userID := ch.UserID
	metadata["challenge_id"] = ch.ID
	s.audit.Record(&model.AuditEvent{
		UserID:      &userID,
		Email:       ch.Email,
		Action:      action,
		Client:      req.Client,
		RiskScore:   ch.Risk.Score,
		RiskFactors: ch.Risk.FactorStrings(),
		Flagged:     flagged,
		Metadata:    metadata,
	})
}

func numericCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
