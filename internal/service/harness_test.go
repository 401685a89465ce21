package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/database"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery staple"

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		LoginMaxAttempts:   5,
		LoginWindow:        15 * time.Minute,
		VerifyMaxAttempts:  10,
		VerifyWindow:       15 * time.Minute,
		RejectionRiskScore: 100,
	}
	cfg.Security.Lockout = config.LockoutConfig{
		Threshold:   5,
		Duration:    15 * time.Minute,
		MaxDuration: 24 * time.Hour,
	}
	cfg.Security.Risk = config.RiskConfig{
		BypassCeiling:     30,
		HistoryWindow:     720 * time.Hour,
		HistoryLimit:      200,
		VelocityWindow:    10 * time.Minute,
		VelocityThreshold: 5,
	}
	cfg.Security.Session = config.SessionConfig{
		TrustedTTL:   720 * time.Hour,
		UntrustedTTL: 24 * time.Hour,
		Secret:       strings.Repeat("k", 32),
		Issuer:       "coursemart",
	}
	cfg.Security.Challenge = config.ChallengeConfig{
		TTL:             10 * time.Minute,
		MaxAttempts:     5,
		EmailCodeLength: 6,
	}
	cfg.Security.Device = config.DeviceConfig{
		TrustCacheTTL: 720 * time.Hour,
		CookieMaxAge:  3600 * time.Hour,
	}
	cfg.Security.Password = config.PasswordConfig{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}
	cfg.Timeouts = config.TimeoutConfig{
		Store:      time.Second,
		Credential: time.Second,
		Risk:       200 * time.Millisecond,
		Audit:      time.Second,
		Email:      time.Second,
	}
	cfg.MFA.TOTP = config.TOTPConfig{Issuer: "CourseMart", Digits: 6, Period: 30, Skew: 1}
	return cfg
}

// fakeCredentials is an in-memory credential store keyed by lowercase email
type fakeCredentials struct {
	mu    sync.Mutex
	users map[string]*model.User
	err   error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{users: map[string]*model.User{}}
}

func (f *fakeCredentials) add(t *testing.T, email string, twoFactor bool) *model.User {
	t.Helper()
	hash, err := auth.HashPassword(testPassword, auth.NewParams(8*1024, 1, 1))
	require.NoError(t, err)
	u := &model.User{
		ID:               generateID("usr"),
		Email:            email,
		PasswordHash:     hash,
		Status:           model.UserStatusActive,
		TwoFactorEnabled: twoFactor,
	}
	f.mu.Lock()
	f.users[strings.ToLower(email)] = u
	f.mu.Unlock()
	return u
}

func (f *fakeCredentials) get(email string) model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[strings.ToLower(email)]
}

func (f *fakeCredentials) byID(id string) *model.User {
	for _, u := range f.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (f *fakeCredentials) FindUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[strings.ToLower(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeCredentials) RecordFailedAttempt(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID(id)
	if u == nil {
		return 0, repository.ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (f *fakeCredentials) ResetFailedAttempts(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.byID(id); u != nil {
		u.FailedAttempts = 0
		u.LockedUntil = nil
	}
	return nil
}

func (f *fakeCredentials) UpdatePasswordHash(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.byID(id); u != nil {
		u.PasswordHash = hash
	}
	return nil
}

func (f *fakeCredentials) LockUntil(_ context.Context, id string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.byID(id); u != nil {
		u.LockedUntil = &until
		u.Status = model.UserStatusLocked
	}
	return nil
}

// fakeDevices stores devices by (user, fingerprint hash)
type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*model.Device
	// raceCreates makes the next n Create calls lose a race to a concurrent insert
	raceCreates int
	creates     int
	markErr     error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: map[string]*model.Device{}}
}

func (f *fakeDevices) insert(d model.NewDevice) *model.Device {
	now := time.Now().UTC()
	dev := &model.Device{
		ID:          d.ID,
		UserID:      d.UserID,
		Fingerprint: d.Fingerprint,
		DeviceType:  d.DeviceType,
		Browser:     d.Browser,
		OS:          d.OS,
		UserAgent:   d.UserAgent,
		LastIP:      d.IP,
		UsageCount:  1,
		LastUsed:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.devices[d.UserID+"|"+d.Fingerprint] = dev
	return dev
}

func (f *fakeDevices) Create(_ context.Context, d model.NewDevice) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.raceCreates > 0 {
		f.raceCreates--
		winner := d
		winner.ID = generateID("dev")
		f.insert(winner)
		return nil, repository.ErrDuplicate
	}
	if _, ok := f.devices[d.UserID+"|"+d.Fingerprint]; ok {
		return nil, repository.ErrDuplicate
	}
	cp := *f.insert(d)
	return &cp, nil
}

func (f *fakeDevices) GetByUserAndFingerprint(_ context.Context, userID, fingerprintHash string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[userID+"|"+fingerprintHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDevices) RecordUsage(_ context.Context, id string, u model.DeviceUsage) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == id {
			d.UsageCount++
			d.LastIP = u.IP
			d.UserAgent = u.UserAgent
			d.LastLocation = u.Location
			d.LastUsed = time.Now().UTC()
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDevices) ListByUser(_ context.Context, userID string) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Device
	for _, d := range f.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDevices) CountByUser(ctx context.Context, userID string) (int, error) {
	list, err := f.ListByUser(ctx, userID)
	return len(list), err
}

func (f *fakeDevices) MarkTrusted(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for _, d := range f.devices {
		if d.ID == id && d.UserID == userID {
			now := time.Now().UTC()
			d.Trusted = true
			d.TrustedAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDevices) only(t *testing.T, userID string) model.Device {
	t.Helper()
	list, _ := f.ListByUser(context.Background(), userID)
	require.Len(t, list, 1)
	return list[0]
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	err      error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*model.Session{}}
}

func (f *fakeSessions) Create(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Active = false
	return nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeAnalyzer struct {
	report *BehaviorReport
	err    error
	delay  time.Duration
}

func (f *fakeAnalyzer) AnalyzeRisk(ctx context.Context, _ string, _ RiskContext) (*BehaviorReport, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.report, f.err
}

type fakeEnrollment struct {
	mu          sync.Mutex
	methods     []model.MFAMethodType
	backupCodes map[string]bool
	totpSecret  string
	touchErr    error
	err         error
}

func (f *fakeEnrollment) ListMethodTypes(context.Context, string) ([]model.MFAMethodType, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.MFAMethodType(nil), f.methods...), nil
}

func (f *fakeEnrollment) CountUnusedBackupCodes(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, used := range f.backupCodes {
		if !used {
			n++
		}
	}
	return n, nil
}

func (f *fakeEnrollment) GetMethodByUserAndType(_ context.Context, userID string, method model.MFAMethodType) (*model.MFAMethod, error) {
	if method != model.MFAMethodTOTP || f.totpSecret == "" {
		return nil, repository.ErrNotFound
	}
	return &model.MFAMethod{ID: "mfa_1", UserID: userID, Method: method, Secret: f.totpSecret}, nil
}

func (f *fakeEnrollment) TouchMethod(context.Context, string) error { return f.touchErr }

func (f *fakeEnrollment) ConsumeBackupCode(_ context.Context, _ string, codeHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	used, ok := f.backupCodes[codeHash]
	if !ok || used {
		return repository.ErrNotFound
	}
	f.backupCodes[codeHash] = true
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (f *fakeAudit) Record(e *model.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAudit) last() *model.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

func (f *fakeAudit) actions() []model.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.AuditAction, len(f.events))
	for i, e := range f.events {
		out[i] = e.Action
	}
	return out
}

type fakeNotifier struct {
	mu         sync.Mutex
	codes      []string
	newDevices []string
}

func (f *fakeNotifier) SendSignInCode(_ context.Context, _ string, code string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
}

func (f *fakeNotifier) NotifyNewDevice(_ context.Context, to string, _ model.ClientContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newDevices = append(f.newDevices, to)
}

func (f *fakeNotifier) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1]
}

type harness struct {
	cfg        *config.Config
	mr         *miniredis.Miniredis
	cache      *database.Redis
	users      *fakeCredentials
	devices    *fakeDevices
	sessions   *fakeSessions
	analyzer   *fakeAnalyzer
	enrollment *fakeEnrollment
	audit      *fakeAudit
	notifier   *fakeNotifier
	trustCache *TrustCache
	issuer     *SessionIssuer
	challenges *ChallengeService
	svc        *SignInService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		cfg:        testConfig(),
		mr:         mr,
		cache:      database.NewRedisFromClient(client),
		users:      newFakeCredentials(),
		devices:    newFakeDevices(),
		sessions:   newFakeSessions(),
		analyzer:   &fakeAnalyzer{report: &BehaviorReport{Score: 10, AllowBypass: true}},
		enrollment: &fakeEnrollment{methods: []model.MFAMethodType{model.MFAMethodTOTP}, backupCodes: map[string]bool{}},
		audit:      &fakeAudit{},
		notifier:   &fakeNotifier{},
	}

	log := logger.Nop()
	cfg := h.cfg
	timeout := cfg.Timeouts.Store

	signer, err := auth.NewTokenSigner(cfg.Security.Session.Secret, cfg.Security.Session.Issuer)
	require.NoError(t, err)

	loginLimiter := NewRateLimiter(h.cache, "login", cfg.Security.RateLimiting.LoginMaxAttempts, cfg.Security.RateLimiting.LoginWindow, timeout, log)
	verifyLimiter := NewRateLimiter(h.cache, "verify", cfg.Security.RateLimiting.VerifyMaxAttempts, cfg.Security.RateLimiting.VerifyWindow, timeout, log)

	h.trustCache = NewTrustCache(h.cache, cfg.Security.Device.TrustCacheTTL, timeout)
	h.issuer = NewSessionIssuer(h.sessions, signer, cfg.Security.Session, timeout, log)
	h.challenges = NewChallengeService(
		NewChallengeStore(h.cache, cfg.Security.Challenge.TTL, timeout),
		NewEnrollmentService(h.enrollment, cfg.MFA.TOTP, timeout, log),
		h.issuer,
		verifyLimiter,
		h.audit,
		h.notifier,
		cfg.Security.Challenge,
		log,
	)
	h.svc = NewSignInService(
		h.users,
		loginLimiter,
		NewDeviceResolver(h.devices, timeout, log),
		h.trustCache,
		NewDeviceTrustGranter(h.devices, h.trustCache, timeout, log),
		NewRiskEngine(h.analyzer, cfg.Security.Risk.BypassCeiling, cfg.Timeouts.Risk, log),
		h.issuer,
		h.challenges,
		h.audit,
		h.notifier,
		cfg,
		log,
	)
	return h
}

func clientFrom(ip string) model.ClientContext {
	return model.ClientContext{
		IP:         ip,
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
		DeviceType: "desktop",
		Browser:    "Firefox",
		OS:         "Linux",
		Country:    "DE",
		City:       "Berlin",
		Region:     "BE",
	}
}

const deviceFingerprint = "fp_0123456789abcdef"

func loginRequest(email, password, ip string) SignInRequest {
	return SignInRequest{
		Email:             email,
		Password:          password,
		ClientFingerprint: deviceFingerprint,
		Client:            clientFrom(ip),
	}
}

var errStoreDown = errors.New("store down")
