package signin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds the configuration for the sign-in client.
type Config struct {
	// BaseURL is the root URL of the sign-in server.
	// Examples: "https://auth.example.com" or "https://auth.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// SessionCookieName is the name of the session cookie the server sets.
	// Default: "cm_session"
	SessionCookieName string

	// DeviceCookieName is the name of the device cookie the server sets.
	// Default: "cm_device"
	DeviceCookieName string

	// CacheTTL controls how long validated sessions are cached in memory.
	// Set to a negative value to disable caching.
	// Default: 1 minute
	CacheTTL time.Duration

	// CacheMaxEntries caps the number of cached sessions. When full, the
	// entry closest to expiry is evicted.
	// Default: 10000
	CacheMaxEntries int

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.SessionCookieName == "" {
		c.SessionCookieName = "cm_session"
	}
	if c.DeviceCookieName == "" {
		c.DeviceCookieName = "cm_device"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 10000
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client calls the sign-in API on behalf of a backend or a test harness
type Client struct {
	cfg   Config
	cache *sessionCache
}

// NewClient creates a new client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newSessionCache(cfg.CacheMaxEntries),
	}
}

// Login submits credentials. The result holds either a session or a
// second-factor challenge, plus the device cookie to present next time.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	var cookies []*http.Cookie
	if req.DeviceCookie != "" {
		cookies = append(cookies, &http.Cookie{Name: c.cfg.DeviceCookieName, Value: req.DeviceCookie})
	}
	return c.signIn(ctx, "/auth/login", req, cookies)
}

// VerifyChallenge completes a second-factor challenge
func (c *Client) VerifyChallenge(ctx context.Context, req VerifyRequest) (*Result, error) {
	return c.signIn(ctx, "/auth/2fa/verify", req, nil)
}

func (c *Client) signIn(ctx context.Context, path string, payload interface{}, cookies []*http.Cookie) (*Result, error) {
	resp, body, err := c.do(ctx, http.MethodPost, path, payload, "", cookies)
	if err != nil {
		return nil, err
	}

	var result Result
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case c.cfg.SessionCookieName:
			result.SessionToken = ck.Value
		case c.cfg.DeviceCookieName:
			result.DeviceCookie = ck.Value
		}
	}

	var envelope struct {
		RequiresTwoFactor bool `json:"requiresTwoFactor"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("signin: failed to parse response: %w", err)
	}

	if envelope.RequiresTwoFactor {
		var ch Challenge
		if err := json.Unmarshal(body, &ch); err != nil {
			return nil, fmt.Errorf("signin: failed to parse challenge: %w", err)
		}
		result.Challenge = &ch
		return &result, nil
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("signin: failed to parse session: %w", err)
	}
	result.Session = &session
	return &result, nil
}

// CurrentSession validates a session token with the server. Results are
// cached for CacheTTL, never past the session's own expiry.
func (c *Client) CurrentSession(ctx context.Context, token string) (*CurrentSession, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	if c.cfg.CacheTTL > 0 {
		if s, ok := c.cache.get(token); ok {
			return s, nil
		}
	}

	_, body, err := c.do(ctx, http.MethodGet, "/auth/session", nil, token, nil)
	if err != nil {
		if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}

	var current CurrentSession
	if err := json.Unmarshal(body, &current); err != nil {
		return nil, fmt.Errorf("signin: failed to parse session: %w", err)
	}

	if c.cfg.CacheTTL > 0 {
		expires := time.Now().Add(c.cfg.CacheTTL)
		if current.Session.ExpiresAt.Before(expires) {
			expires = current.Session.ExpiresAt
		}
		c.cache.set(token, &current, expires)
	}
	return &current, nil
}

// Logout revokes the session and drops it from the local cache
func (c *Client) Logout(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	_, _, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, token, nil)
	c.cache.delete(token)
	return err
}

// do sends a request to the sign-in API and maps error envelopes.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, token string, cookies []*http.Cookie) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("signin: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("signin: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("signin: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("signin: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, nil, parseAPIError(resp, body)
	}
	return resp, body, nil
}

// cacheSweepInterval is how often set drops expired entries
const cacheSweepInterval = time.Minute

// sessionCache keeps validated sessions in memory. Expired entries are swept
// on write so tokens that are never read again do not pile up.
type sessionCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	lastSweep  time.Time
	now        func() time.Time
}

type cacheEntry struct {
	session   *CurrentSession
	expiresAt time.Time
}

func newSessionCache(maxEntries int) *sessionCache {
	return &sessionCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (sc *sessionCache) get(token string) (*CurrentSession, bool) {
	sc.mu.RLock()
	entry, ok := sc.entries[token]
	sc.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if sc.now().After(entry.expiresAt) {
		sc.delete(token)
		return nil, false
	}
	return entry.session, true
}

func (sc *sessionCache) set(token string, s *CurrentSession, expiresAt time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.now()
	if _, exists := sc.entries[token]; !exists && len(sc.entries) >= sc.maxEntries {
		sc.sweepLocked(now)
		if len(sc.entries) >= sc.maxEntries {
			sc.evictSoonestLocked()
		}
	} else if now.Sub(sc.lastSweep) >= cacheSweepInterval {
		sc.sweepLocked(now)
	}
	sc.entries[token] = &cacheEntry{session: s, expiresAt: expiresAt}
}

func (sc *sessionCache) sweepLocked(now time.Time) {
	for token, entry := range sc.entries {
		if now.After(entry.expiresAt) {
			delete(sc.entries, token)
		}
	}
	sc.lastSweep = now
}

func (sc *sessionCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for token, entry := range sc.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim, soonest = token, entry.expiresAt
		}
	}
	delete(sc.entries, victim)
}

func (sc *sessionCache) len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.entries)
}

func (sc *sessionCache) delete(token string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.entries, token)
}
