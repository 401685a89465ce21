package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/middleware"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignIn struct {
	fn   func(ctx context.Context, req service.SignInRequest) (*service.SignInResult, error)
	last service.SignInRequest
	ctx  context.Context
}

func (f *fakeSignIn) SignIn(ctx context.Context, req service.SignInRequest) (*service.SignInResult, error) {
	f.last = req
	f.ctx = ctx
	return f.fn(ctx, req)
}

type fakeChallenges struct {
	fn func(ctx context.Context, req service.CompleteRequest) (*service.SignInResult, error)
}

func (f *fakeChallenges) Complete(ctx context.Context, req service.CompleteRequest) (*service.SignInResult, error) {
	return f.fn(ctx, req)
}

type fakeSessions struct {
	revoked []string
}

func (f *fakeSessions) Validate(context.Context, string) (*auth.SessionClaims, *model.Session, error) {
	return nil, nil, service.ErrSessionNotFound
}

func (f *fakeSessions) Revoke(_ context.Context, id string) error {
	f.revoked = append(f.revoked, id)
	return nil
}

type fakeDevices struct {
	devices []model.Device
}

func (f *fakeDevices) ListDevices(context.Context, string) ([]model.Device, error) {
	return f.devices, nil
}

type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Cookie = config.CookieConfig{SessionName: "cm_session", DeviceName: "cm_device", Secure: true}
	cfg.Security.Device.CookieMaxAge = 3600 * time.Hour
	return cfg
}

func newTestHandlerWithDevices(devices []model.Device) *Handler {
	return New(logger.Nop(), testConfig(), &fakeSignIn{}, &fakeChallenges{}, &fakeSessions{}, &fakeDevices{devices: devices}, nil)
}

func newTestHandler(signIn *fakeSignIn, challenges *fakeChallenges) (*Handler, *fakeSessions) {
	sessions := &fakeSessions{}
	if challenges == nil {
		challenges = &fakeChallenges{}
	}
	h := New(logger.Nop(), testConfig(), signIn, challenges, sessions, &fakeDevices{}, map[string]HealthChecker{
		"postgres": fakeCheck{},
		"redis":    fakeCheck{},
	})
	return h, sessions
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func directResult(trusted bool) *service.SignInResult {
	lifetime := 24 * time.Hour
	if trusted {
		lifetime = 720 * time.Hour
	}
	now := time.Now().UTC()
	return &service.SignInResult{
		State:         service.StateDirectSession,
		User:          &model.User{ID: "usr_1", Email: "ana@example.com", PasswordHash: "secret-hash"},
		Device:        &model.Device{ID: "dev_1"},
		Fingerprint:   "fp_0123456789abcdef",
		DeviceTrusted: trusted,
		Risk:          model.RiskAssessment{Score: 20, Factors: []model.RiskFactor{model.RiskFactorNewDevice}},
		Session: &service.IssuedSession{
			Session:  &model.Session{ID: "ses_1", UserID: "usr_1", ExpiresAt: now.Add(lifetime)},
			Token:    "signed.jwt.token",
			Lifetime: lifetime,
		},
	}
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	return body["error"].(map[string]interface{})["code"].(string)
}

func TestLogin_MissingFields(t *testing.T) {
	called := false
	h, _ := newTestHandler(&fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		called = true
		return nil, nil
	}}, nil)

	for _, body := range []string{`{}`, `{"email":"ana@example.com"}`, `{"password":"x"}`, `not json`, ``} {
		rec := httptest.NewRecorder()
		h.Login(rec, postJSON("/api/v1/auth/login", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.False(t, called, "bad input has no side effects")
}

func TestLogin_DirectSessionSetsBothCookies(t *testing.T) {
	signIn := &fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return directResult(false), nil
	}}
	h, _ := newTestHandler(signIn, nil)

	req := postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw","deviceFingerprint":"client_fp_000001","trustDevice":true,"rememberMe":true,"deviceMetadata":{"timezone":"Europe/Berlin","colorDepth":24}}`)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.AddCookie(&http.Cookie{Name: "cm_device", Value: "cookie_fp_0000001"})
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["requiresTwoFactor"])
	assert.Equal(t, false, body["deviceTrusted"])
	assert.Equal(t, float64(80), body["securityScore"])
	assert.NotContains(t, rec.Body.String(), "secret-hash")

	session := cookieByName(rec, "cm_session")
	require.NotNil(t, session)
	assert.Equal(t, "signed.jwt.token", session.Value)
	assert.Equal(t, int((24 * time.Hour).Seconds()), session.MaxAge)
	assert.True(t, session.HttpOnly)
	assert.True(t, session.Secure)
	assert.Equal(t, http.SameSiteLaxMode, session.SameSite)

	device := cookieByName(rec, "cm_device")
	require.NotNil(t, device)
	assert.Equal(t, "fp_0123456789abcdef", device.Value)
	assert.Equal(t, int((3600 * time.Hour).Seconds()), device.MaxAge)
	assert.True(t, device.HttpOnly)

	assert.Equal(t, "cookie_fp_0000001", signIn.last.CookieFingerprint)
	assert.Equal(t, "client_fp_000001", signIn.last.ClientFingerprint)
	assert.True(t, signIn.last.TrustDevice)
	assert.True(t, signIn.last.RememberMe)
	assert.Equal(t, "Europe/Berlin", signIn.last.Metadata.Timezone)
	assert.Equal(t, "203.0.113.7", signIn.last.Client.IP)
	assert.NoError(t, signIn.ctx.Err())
}

func TestLogin_InvalidMetadataIsIgnored(t *testing.T) {
	signIn := &fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return directResult(false), nil
	}}
	h, _ := newTestHandler(signIn, nil)

	rec := httptest.NewRecorder()
	h.Login(rec, postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw","deviceMetadata":{"colorDepth":4096,"unknownKey":"x"}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DeviceMetadata{}, signIn.last.Metadata)
}

func TestLogin_ChallengeSetsNoSessionCookie(t *testing.T) {
	preferred := model.MFAMethodTOTP
	h, _ := newTestHandler(&fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return &service.SignInResult{
			State:       service.StateChallengeIssued,
			Fingerprint: "fp_0123456789abcdef",
			Challenge: &model.SecondFactorChallenge{
				ID:              "chl_1",
				Methods:         model.ChallengeMethods{Primary: []model.MFAMethodType{model.MFAMethodTOTP}, Additional: []model.MFAMethodType{}},
				PreferredMethod: &preferred,
				ExpiresAt:       time.Now().Add(10 * time.Minute),
			},
		}, nil
	}}, nil)

	rec := httptest.NewRecorder()
	h.Login(rec, postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["requiresTwoFactor"])
	assert.Equal(t, "chl_1", body["challengeId"])
	assert.Equal(t, "totp", body["preferredMethod"])
	assert.Nil(t, cookieByName(rec, "cm_session"))
	assert.NotNil(t, cookieByName(rec, "cm_device"))
}

func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "rate limited", err: &service.RateLimitedError{RetryAfter: 14*time.Minute + 10*time.Second}, wantStatus: http.StatusTooManyRequests, wantCode: "rate_limited"},
		{name: "invalid credentials", err: service.ErrInvalidCredentials, wantStatus: http.StatusUnauthorized, wantCode: "invalid_credentials"},
		{name: "locked", err: &service.AccountLockedError{Until: time.Now().Add(9 * time.Minute)}, wantStatus: http.StatusLocked, wantCode: "account_locked"},
		{name: "challenge busy", err: service.ErrChallengeBusy, wantStatus: http.StatusConflict, wantCode: "verification_in_progress"},
		{name: "limiter down", err: service.ErrRateLimiterUnavailable, wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
		{name: "store down", err: errors.New("pq: connection refused on 10.0.0.5"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(&fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
				return nil, tt.err
			}}, nil)

			rec := httptest.NewRecorder()
			h.Login(rec, postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw"}`))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
			assert.NotContains(t, rec.Body.String(), "10.0.0.5")
			assert.Nil(t, cookieByName(rec, "cm_session"))
		})
	}
}

func TestLogin_RetryMessages(t *testing.T) {
	h, _ := newTestHandler(&fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return nil, &service.RateLimitedError{RetryAfter: 14*time.Minute + 10*time.Second}
	}}, nil)

	rec := httptest.NewRecorder()
	h.Login(rec, postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw"}`))
	assert.Equal(t, "850", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "15 minutes")

	h, _ = newTestHandler(&fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return nil, &service.AccountLockedError{Until: time.Now().Add(30 * time.Second)}
	}}, nil)

	rec = httptest.NewRecorder()
	h.Login(rec, postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw"}`))
	assert.Contains(t, rec.Body.String(), "1 minute.")
}

func TestLogin_RunsToCompletionAfterClientDisconnect(t *testing.T) {
	signIn := &fakeSignIn{fn: func(context.Context, service.SignInRequest) (*service.SignInResult, error) {
		return directResult(false), nil
	}}
	h, _ := newTestHandler(signIn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := postJSON("/api/v1/auth/login", `{"email":"ana@example.com","password":"pw"}`).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, signIn.ctx.Err())
}

func TestVerifyChallenge(t *testing.T) {
	var got service.CompleteRequest
	h, _ := newTestHandler(&fakeSignIn{}, &fakeChallenges{fn: func(_ context.Context, req service.CompleteRequest) (*service.SignInResult, error) {
		got = req
		if req.Code != "123456" {
			return nil, service.ErrInvalidCode
		}
		res := directResult(false)
		res.State = service.StateVerifiedSession
		return res, nil
	}})

	rec := httptest.NewRecorder()
	h.VerifyChallenge(rec, postJSON("/api/v1/auth/2fa/verify", `{"challengeId":"chl_1","method":"totp","code":"000000"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_code", errorCode(t, rec))

	rec = httptest.NewRecorder()
	h.VerifyChallenge(rec, postJSON("/api/v1/auth/2fa/verify", `{"challengeId":"chl_1","method":"totp","code":"123456"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.MFAMethodTOTP, got.Method)
	assert.NotNil(t, cookieByName(rec, "cm_session"))

	rec = httptest.NewRecorder()
	h.VerifyChallenge(rec, postJSON("/api/v1/auth/2fa/verify", `{"challengeId":"chl_1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutAndSession(t *testing.T) {
	h, sessions := newTestHandler(&fakeSignIn{}, nil)
	session := &model.Session{ID: "ses_1", UserID: "usr_1", DeviceID: "dev_1", Trusted: true, ExpiresAt: time.Now().Add(time.Hour)}

	ctx := context.WithValue(context.Background(), middleware.SessionIDKey, "ses_1")
	ctx = context.WithValue(ctx, middleware.SessionKey, session)
	ctx = context.WithValue(ctx, middleware.EmailKey, "ana@example.com")

	rec := httptest.NewRecorder()
	h.Session(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/session", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ana@example.com", body["user"].(map[string]interface{})["email"])
	assert.Equal(t, true, body["session"].(map[string]interface{})["trusted"])

	rec = httptest.NewRecorder()
	h.Logout(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ses_1"}, sessions.revoked)
	cleared := cookieByName(rec, "cm_session")
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(&fakeSignIn{}, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.checks["redis"] = fakeCheck{err: errors.New("down")}
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListDevices(t *testing.T) {
	now := time.Now()
	h := newTestHandlerWithDevices([]model.Device{
		{ID: "dev_old", UserID: "usr_1", Fingerprint: "abc123", Browser: "Firefox", OS: "Linux", LastUsed: now.Add(-48 * time.Hour)},
		{ID: "dev_phone", UserID: "usr_1", Fingerprint: "def456", Browser: "Safari", OS: "iOS", LastUsed: now.Add(-time.Hour), Trusted: true},
		{ID: "dev_new", UserID: "usr_1", Fingerprint: "fed789", Browser: "Chrome", OS: "Windows", LastUsed: now},
	})
	session := &model.Session{ID: "ses_1", UserID: "usr_1", DeviceID: "dev_new"}
	ctx := context.WithValue(context.Background(), middleware.SessionKey, session)

	rec := httptest.NewRecorder()
	h.ListDevices(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "abc123")

	body := decodeBody(t, rec)
	assert.Equal(t, "dev_new", body["currentDeviceId"])
	assert.Equal(t, float64(1), body["trustedCount"])

	devices := body["devices"].([]interface{})
	require.Len(t, devices, 3)
	var order []string
	for _, d := range devices {
		order = append(order, d.(map[string]interface{})["id"].(string))
	}
	assert.Equal(t, []string{"dev_phone", "dev_new", "dev_old"}, order)
	assert.Equal(t, true, devices[1].(map[string]interface{})["current"])
	assert.Equal(t, "Chrome on Windows", devices[1].(map[string]interface{})["label"])
}

func TestListDevices_RequiresSession(t *testing.T) {
	h := newTestHandlerWithDevices(nil)

	rec := httptest.NewRecorder()
	h.ListDevices(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
