package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/repository"
)

// maxDuplicateRetries bounds the create-or-find loop
const maxDuplicateRetries = 2

var fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// DeviceStore is the persistence the resolver may use. It deliberately has
// no way to change a device's trust flag.
type DeviceStore interface {
	Create(ctx context.Context, d model.NewDevice) (*model.Device, error)
	GetByUserAndFingerprint(ctx context.Context, userID, fingerprintHash string) (*model.Device, error)
	RecordUsage(ctx context.Context, id string, u model.DeviceUsage) (*model.Device, error)
	ListByUser(ctx context.Context, userID string) ([]model.Device, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

// DeviceSignals is what the client told us about itself
type DeviceSignals struct {
	Client   model.ClientContext
	Metadata model.DeviceMetadata
}

// ResolvedDevice is the resolver's result
type ResolvedDevice struct {
	Device *model.Device
	// Fingerprint is the raw value to hand back in the device cookie
	Fingerprint string
	Created     bool
}

// ResolveFingerprint picks the device fingerprint: the device cookie first,
// then the client-supplied value, then a hash of the request's own traits.
func ResolveFingerprint(cookieValue, payloadValue string, cc model.ClientContext) string {
	if fingerprintPattern.MatchString(cookieValue) {
		return cookieValue
	}
	if fingerprintPattern.MatchString(payloadValue) {
		return payloadValue
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{cc.UserAgent, cc.IP, cc.Browser, cc.OS}, "|")))
	return hex.EncodeToString(sum[:])
}

// HashFingerprint is the at-rest form of a fingerprint
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte("device:" + fingerprint))
	return hex.EncodeToString(sum[:])
}

// DeviceResolver finds or creates the per-user device record
type DeviceResolver struct {
	store   DeviceStore
	timeout time.Duration
	log     *logger.Logger
}

// NewDeviceResolver creates a new DeviceResolver
func NewDeviceResolver(store DeviceStore, timeout time.Duration, log *logger.Logger) *DeviceResolver {
	return &DeviceResolver{
		store:   store,
		timeout: timeout,
		log:     log.WithComponent("device"),
	}
}

// Resolve returns the user's device for fingerprint. A known device only gets
// its usage statistics bumped. An unknown one is created untrusted.
func (r *DeviceResolver) Resolve(ctx context.Context, userID, fingerprint string, signals DeviceSignals) (*ResolvedDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fpHash := HashFingerprint(fingerprint)
	cc := signals.Client
	usage := model.DeviceUsage{
		UserAgent: cc.UserAgent,
		IP:        cc.IP,
		Location:  cc.Location(),
		Browser:   cc.Browser,
		OS:        cc.OS,
	}

	for attempt := 0; attempt <= maxDuplicateRetries; attempt++ {
		existing, err := r.store.GetByUserAndFingerprint(ctx, userID, fpHash)
		switch {
		case err == nil:
			device, err := r.store.RecordUsage(ctx, existing.ID, usage)
			if err != nil {
				return nil, fmt.Errorf("record device usage: %w", err)
			}
			return &ResolvedDevice{Device: device, Fingerprint: fingerprint}, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("look up device: %w", err)
		}

		device, err := r.store.Create(ctx, model.NewDevice{
			ID:          generateID("dev"),
			UserID:      userID,
			Fingerprint: fpHash,
			DeviceType:  cc.DeviceType,
			Browser:     cc.Browser,
			OS:          cc.OS,
			UserAgent:   cc.UserAgent,
			IP:          cc.IP,
			Location:    cc.Location(),
			Metadata:    signals.Metadata,
		})
		if err == nil {
			r.log.Info().
				Str("user_id", userID).
				Str("device_id", device.ID).
				Str("device_type", cc.DeviceType).
				Msg("new device registered")
			return &ResolvedDevice{Device: device, Fingerprint: fingerprint, Created: true}, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("create device: %w", err)
		}
		// Another request created it first; look it up again.
		r.log.Debug().Str("user_id", userID).Msg("device create raced, retrying lookup")
	}

	return nil, fmt.Errorf("create device: %w", repository.ErrDuplicate)
}

// ListDevices returns the user's devices
func (r *DeviceResolver) ListDevices(ctx context.Context, userID string) ([]model.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.ListByUser(ctx, userID)
}

// CountDevices returns how many devices the user has signed in from
func (r *DeviceResolver) CountDevices(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.CountByUser(ctx, userID)
}

// KeyValueStore is the cache the trust mirror lives in
type KeyValueStore interface {
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// TrustCache mirrors Device.trusted in the cache store so the hot path can
// skip a database read
type TrustCache struct {
	store   KeyValueStore
	ttl     time.Duration
	timeout time.Duration
}

// NewTrustCache creates a new TrustCache
func NewTrustCache(store KeyValueStore, ttl, timeout time.Duration) *TrustCache {
	return &TrustCache{store: store, ttl: ttl, timeout: timeout}
}

// IsTrusted reports whether the cache holds a trust entry for the device
func (c *TrustCache) IsTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Exists(ctx, c.key(userID, fingerprint))
}

// remember writes the trust entry. Only DeviceTrustGranter calls it.
func (c *TrustCache) remember(ctx context.Context, userID, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.SetWithTTL(ctx, c.key(userID, fingerprint), "1", c.ttl)
}

func (c *TrustCache) key(userID, fingerprint string) string {
	return "device_trust:" + userID + ":" + HashFingerprint(fingerprint)
}

// DeviceTrustStore can raise a device's trust flag
type DeviceTrustStore interface {
	MarkTrusted(ctx context.Context, userID, id string) error
}

// TrustGrant authorizes marking one device trusted. Only the direct
// sign-in transition can build one.
type TrustGrant struct {
	userID      string
	deviceID    string
	fingerprint string
}

func newTrustGrant(userID, deviceID, fingerprint string) TrustGrant {
	return TrustGrant{userID: userID, deviceID: deviceID, fingerprint: fingerprint}
}

// DeviceTrustGranter performs the one trust escalation this service allows
type DeviceTrustGranter struct {
	store   DeviceTrustStore
	cache   *TrustCache
	timeout time.Duration
	log     *logger.Logger
}

// NewDeviceTrustGranter creates a new DeviceTrustGranter
func NewDeviceTrustGranter(store DeviceTrustStore, cache *TrustCache, timeout time.Duration, log *logger.Logger) *DeviceTrustGranter {
	return &DeviceTrustGranter{
		store:   store,
		cache:   cache,
		timeout: timeout,
		log:     log.WithComponent("device"),
	}
}

// GrantTrust marks the device trusted in the database and then in the cache.
// A cache failure is logged; the database flag alone is enough.
func (g *DeviceTrustGranter) GrantTrust(ctx context.Context, grant TrustGrant) error {
	if grant.userID == "" || grant.deviceID == "" {
		return errors.New("empty trust grant")
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.MarkTrusted(storeCtx, grant.userID, grant.deviceID); err != nil {
		return fmt.Errorf("mark device trusted: %w", err)
	}

	if err := g.cache.remember(ctx, grant.userID, grant.fingerprint); err != nil {
		g.log.Warn().Err(err).Str("device_id", grant.deviceID).Msg("failed to cache device trust")
	}

	g.log.Info().
		Str("user_id", grant.userID).
		Str("device_id", grant.deviceID).
		Msg("device marked trusted at user request")
	return nil
}
