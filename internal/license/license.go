// Package license implements the License Authority (spec §4.3): envelope
// verification, feature/limit queries, and the documented unlicensed
// fallback policy.
package license

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Iotistica/iotistic-sub002/internal/config"
	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Claims is the decoded shape of a license envelope, modeled as a JWT
// claim set (grounded on the teacher's applications/auth JWT pattern)
// rather than a bespoke binary envelope format.
type Claims struct {
	jwt.RegisteredClaims
	CustomerID string          `json:"customer_id"`
	Plan       string          `json:"plan"`
	Features   map[string]bool `json:"features"`
	Limits     map[string]int  `json:"limits"`
	CachedAt   time.Time       `json:"cached_at"`
}

// HasFeature reports whether name is enabled. Unknown features default to
// false (spec §4.3).
func (c *Claims) HasFeature(name string) bool {
	return c.Features[name]
}

// WithinLimit reports whether proposed satisfies the named limit. A limit
// value of -1 means unlimited.
func (c *Claims) WithinLimit(name string, proposed int) bool {
	limit, ok := c.Limits[name]
	if !ok {
		return false
	}
	if limit == -1 {
		return true
	}
	return proposed <= limit
}

const unlicensedValidity = 14 * 24 * time.Hour

// unlicensedPolicy is the authoritative fallback installed when no valid
// envelope is configured (spec §4.3).
func unlicensedPolicy(now time.Time) *Claims {
	return &Claims{
		CustomerID: "",
		Plan:       "trial",
		Features:   map[string]bool{"ota_updates": true, "basic_jobs": true},
		Limits:     map[string]int{"max_devices": 3, "max_users": 1},
		CachedAt:   now,
		RegisteredClaims: jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(unlicensedValidity)),
		},
	}
}

// Authority is the single process-wide source of truth for license
// decisions. Claims are held behind an atomic pointer so readers never
// observe a torn claim set while a reload is in progress (spec §4.3,
// §5 shared-resource policy).
type Authority struct {
	store     *store.Store
	logger    *logging.Logger
	cfg       config.LicenseConfig
	claims    atomic.Pointer[Claims]
	nowFunc   func() time.Time
}

// New constructs an Authority. Call Init before serving any traffic.
func New(st *store.Store, logger *logging.Logger, cfg config.LicenseConfig) *Authority {
	return &Authority{
		store:   st,
		logger:  logger,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Init reads the configured license envelope, verifies it, and caches the
// resulting claims in Store. On any failure it installs the unlicensed
// policy instead of refusing to start (spec §4.3).
func (a *Authority) Init(ctx context.Context) error {
	claims, outcome := a.resolve(ctx)
	a.claims.Store(claims)

	if err := a.persist(ctx, claims); err != nil {
		a.logger.WithField("error", err).Warn("failed to persist license claims snapshot")
	}

	return a.store.AppendAuditRecord(ctx, &store.AuditRecord{
		Kind:     "LicenseInit",
		Severity: "info",
		Actor:    "system",
		Details:  detailsJSON(map[string]any{"outcome": outcome, "plan": claims.Plan}),
	})
}

func (a *Authority) resolve(ctx context.Context) (*Claims, string) {
	now := a.nowFunc()

	if a.cfg.Envelope == "" || a.cfg.PublicKey == "" {
		return unlicensedPolicy(now), "absent"
	}

	claims, err := verifyEnvelope(a.cfg.Envelope, a.cfg.PublicKey)
	if err != nil {
		a.logger.WithField("error", err).Warn("license envelope invalid, falling back to unlicensed policy")
		return unlicensedPolicy(now), "invalid"
	}
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		return unlicensedPolicy(now), "expired"
	}
	claims.CachedAt = now
	return claims, "verified"
}

func (a *Authority) persist(ctx context.Context, claims *Claims) error {
	blob, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal license claims: %w", err)
	}
	return a.store.SetSystemConfig(ctx, store.ConfigKeyLicenseClaims, blob)
}

// HasFeature answers a feature-gate query against the current snapshot.
func (a *Authority) HasFeature(name string) bool {
	return a.Snapshot().HasFeature(name)
}

// WithinLimit answers a limit-admission query against the current snapshot.
func (a *Authority) WithinLimit(name string, proposed int) (bool, error) {
	claims := a.Snapshot()
	if claims.ExpiresAt != nil && a.nowFunc().After(claims.ExpiresAt.Time) {
		return false, svcerrors.LicenseExpired()
	}
	if !claims.WithinLimit(name, proposed) {
		return false, svcerrors.LicenseLimitExceeded(name)
	}
	return true, nil
}

// RequireFeature returns LicenseFeatureDenied if name is not enabled.
func (a *Authority) RequireFeature(name string) error {
	if !a.HasFeature(name) {
		return svcerrors.LicenseFeatureDenied(name)
	}
	return nil
}

// Snapshot returns the current read-only claim set.
func (a *Authority) Snapshot() *Claims {
	if c := a.claims.Load(); c != nil {
		return c
	}
	return unlicensedPolicy(a.nowFunc())
}

func verifyEnvelope(envelope, publicKeyPEM string) (*Claims, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse license public key: %w", err)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(envelope, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify license envelope: %w", err)
	}
	return claims, nil
}

func detailsJSON(v map[string]any) json.RawMessage {
	blob, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return blob
}
