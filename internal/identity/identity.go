// Package identity implements provisioning-key validation and per-device
// credential materialization (spec §4.4).
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Service validates provisioning tokens and materializes device accounts.
type Service struct {
	store  *store.Store
	logger *logging.Logger
}

func New(st *store.Store, logger *logging.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// MqttUsername returns the canonical MQTT account name for a device
// (spec §3: `device-<device_id>`).
func MqttUsername(deviceID string) string {
	return fmt.Sprintf("device-%s", deviceID)
}

// ValidateProvisioningToken looks up the candidate row by hash and
// confirms it both matches (constant-time) and remains usable. It does
// not consume a use; callers that intend to admit the request call
// store.ConsumeProvisioningKey separately within the same transaction
// (spec §4.4).
// deviceID and callerIP identify who the rejection audit record is charged
// to (spec §4.4: failed attempts must be audit-logged with caller address
// and device_id); deviceID comes from the request body, callerIP from the
// HTTP layer.
func (s *Service) ValidateProvisioningToken(ctx context.Context, plaintext, deviceID, callerIP string) (*store.ProvisioningKey, error) {
	candidateHash := crypto.HashToken(plaintext)

	key, err := s.store.GetProvisioningKeyByHash(ctx, candidateHash)
	if err != nil {
		s.auditRejection(ctx, deviceID, callerIP, "token not found")
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(candidateHash)) != 1 {
		s.auditRejection(ctx, deviceID, callerIP, "hash mismatch")
		return nil, svcerrors.Unauthorized("provisioning token not recognized")
	}
	if !key.Usable(time.Now()) {
		s.auditRejection(ctx, deviceID, callerIP, "key exhausted, expired, or inactive")
		return nil, svcerrors.Unauthorized("provisioning token is no longer usable")
	}
	return key, nil
}

func (s *Service) auditRejection(ctx context.Context, deviceID, callerIP, reason string) {
	details, _ := json.Marshal(map[string]any{
		"reason":    reason,
		"device_id": deviceID,
		"caller_ip": callerIP,
	})
	actor := deviceID
	if actor == "" {
		actor = "unknown"
	}
	if err := s.store.AppendAuditRecord(ctx, &store.AuditRecord{
		Kind:     "ProvisioningRejected",
		Severity: "warning",
		Actor:    actor,
		Details:  details,
	}); err != nil {
		s.logger.WithField("error", err).Warn("failed to record provisioning rejection audit")
	}
}

// DeviceCredential is a freshly minted account with its plaintext password,
// returned once to the caller and never reconstructable afterward.
type DeviceCredential struct {
	Username string
	Password string
}

// MaterializeDeviceAccount creates or replaces a device's MQTT account and
// its topic ACLs, rotating the password so any previously issued
// credential is immediately invalidated (spec §4.4, §4.5.2 idempotence).
func (s *Service) MaterializeDeviceAccount(ctx context.Context, deviceID string) (*DeviceCredential, error) {
	username := MqttUsername(deviceID)

	password, err := randomHexSecret(32)
	if err != nil {
		return nil, svcerrors.CryptoFailure(err)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, svcerrors.CryptoFailure(err)
	}

	if err := s.store.UpsertMqttUser(ctx, &store.MqttUser{
		Username:     username,
		PasswordHash: hash,
		Active:       true,
	}); err != nil {
		return nil, err
	}

	acls := []*store.MqttAcl{
		{
			Username:     username,
			TopicPattern: fmt.Sprintf("agent/%s/#", deviceID),
			Permissions:  map[store.Permission]bool{store.PermissionRead: true, store.PermissionWrite: true},
		},
		{
			Username:     username,
			TopicPattern: fmt.Sprintf("state/%s/#", deviceID),
			Permissions:  map[store.Permission]bool{store.PermissionRead: true, store.PermissionWrite: true},
		},
		{
			Username:     username,
			TopicPattern: fmt.Sprintf("sensor/%s/#", deviceID),
			Permissions:  map[store.Permission]bool{store.PermissionWrite: true},
		},
	}
	if err := s.store.ReplaceMqttAcls(ctx, username, acls); err != nil {
		return nil, err
	}

	return &DeviceCredential{Username: username, Password: password}, nil
}

// IssueAPIKey mints a fresh random API key, returning the plaintext and
// its stored hash. The plaintext is returned exactly once, in the
// phase-2 bundle.
func IssueAPIKey() (plaintext, hash string, err error) {
	plaintext, err = randomHexSecret(32)
	if err != nil {
		return "", "", svcerrors.CryptoFailure(err)
	}
	hash, err = crypto.HashPassword(plaintext)
	if err != nil {
		return "", "", svcerrors.CryptoFailure(err)
	}
	return plaintext, hash, nil
}

func randomHexSecret(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
