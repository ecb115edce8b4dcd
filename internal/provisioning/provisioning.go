// Package provisioning implements the two-phase device bootstrap handshake
// (spec §4.5): key exchange, then encrypted registration producing the
// full credential bundle.
package provisioning

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/Iotistica/iotistic-sub002/internal/config"
	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/identity"
	"github.com/Iotistica/iotistic-sub002/internal/license"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/state"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Coordinator orchestrates phase 1 key exchange and phase 2 encrypted
// registration. It must be exactly-once per device and safe under
// concurrent re-attempts (spec §4.5).
type Coordinator struct {
	store      *store.Store
	identity   *identity.Service
	license    *license.Authority
	state      *state.Engine
	bus        *eventbus.Bus
	logger     *logging.Logger
	platformKP *crypto.KeyPair
	cfg        config.ProvisioningConfig
	mqttCfg    config.MQTTConfig
	tlsCABundle string
}

// New constructs a Coordinator. platformKP is the bootstrap key pair
// whose private half unwraps phase-2 payloads.
func New(
	st *store.Store,
	idSvc *identity.Service,
	lic *license.Authority,
	stateEngine *state.Engine,
	bus *eventbus.Bus,
	logger *logging.Logger,
	platformKP *crypto.KeyPair,
	cfg config.ProvisioningConfig,
	mqttCfg config.MQTTConfig,
) *Coordinator {
	return &Coordinator{
		store:       st,
		identity:    idSvc,
		license:     lic,
		state:       stateEngine,
		bus:         bus,
		logger:      logger,
		platformKP:  platformKP,
		cfg:         cfg,
		mqttCfg:     mqttCfg,
		tlsCABundle: cfg.TLSCABundle,
	}
}

// Phase1Request is the key-exchange request (spec §6.2).
type Phase1Request struct {
	DeviceID          string
	ProvisioningToken string
	DevicePublicKey   []byte // PEM-equivalent, optional
	CallerIP          string
}

// Phase1Response carries either the platform public key (device had none)
// or a plain acknowledgement (device presented one).
type Phase1Response struct {
	PlatformPublicKeyPEM []byte
	KeyID                string
	Acknowledged         bool
}

// Phase1 performs the key-exchange handshake, scoped by lock_device
// (spec §4.5.1). It is idempotent: repeated calls with no public key
// always return the same platform key; repeated calls with a public key
// always overwrite and succeed.
func (c *Coordinator) Phase1(ctx context.Context, req Phase1Request) (*Phase1Response, error) {
	var resp *Phase1Response

	err := c.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.store.LockDevice(ctx, req.DeviceID); err != nil {
			return err
		}

		if _, err := c.identity.ValidateProvisioningToken(ctx, req.ProvisioningToken, req.DeviceID, req.CallerIP); err != nil {
			return err
		}

		if len(req.DevicePublicKey) == 0 {
			pemBytes, err := crypto.EncodePublicKeyPEM(c.platformKP.Public)
			if err != nil {
				return svcerrors.CryptoFailure(err)
			}
			resp = &Phase1Response{PlatformPublicKeyPEM: pemBytes, KeyID: "primary"}
			return nil
		}

		if _, err := crypto.DecodePublicKeyPEM(req.DevicePublicKey); err != nil {
			return svcerrors.BadRequest(fmt.Sprintf("invalid device public key: %v", err))
		}
		if err := c.store.UpsertDevicePublicKey(ctx, req.DeviceID, req.DevicePublicKey); err != nil {
			return err
		}
		resp = &Phase1Response{Acknowledged: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Phase2Payload is the decrypted shape of the phase-2 registration request
// (spec §6.2).
type Phase2Payload struct {
	DeviceID          string `json:"device_id"`
	ProvisioningToken string `json:"provisioning_token"`
	DisplayName       string `json:"display_name"`
	Kind              string `json:"kind"`
	MACAddress        string `json:"mac_address"`
	OSVersion         string `json:"os_version"`
	AgentVersion      string `json:"agent_version"`
}

// Bundle is the full phase-2 success response (spec §6.2).
type Bundle struct {
	Device struct {
		DeviceID    string `json:"device_id"`
		DisplayName string `json:"display_name"`
	} `json:"device"`
	API struct {
		Endpoint string `json:"endpoint"`
		APIKey   string `json:"api_key"`
		TLSCA    string `json:"tls_ca"`
	} `json:"api"`
	MQTT struct {
		BrokerURL string `json:"broker_url"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		TLS       struct {
			CA     string `json:"ca"`
			Verify bool   `json:"verify"`
		} `json:"tls"`
	} `json:"mqtt"`
	VPN any `json:"vpn,omitempty"`
}

// Phase2 unwraps, validates, and admits a device, producing its full
// credential bundle (spec §4.5.2). Re-running for the same device_id
// succeeds and rotates every credential (idempotence law, spec §8).
func (c *Coordinator) Phase2(ctx context.Context, encryptedPayload []byte, callerIP string) (*Bundle, error) {
	plaintext, err := crypto.Unwrap(c.platformKP.Private, encryptedPayload)
	if err != nil {
		return nil, svcerrors.CryptoFailure(err)
	}

	var payload Phase2Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, svcerrors.BadRequest(fmt.Sprintf("malformed registration payload: %v", err))
	}

	key, err := c.identity.ValidateProvisioningToken(ctx, payload.ProvisioningToken, payload.DeviceID, callerIP)
	if err != nil {
		return nil, err
	}

	var bundle *Bundle
	admissionDenied := false
	err = c.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.store.LockDevice(ctx, payload.DeviceID); err != nil {
			return err
		}

		if err := c.store.ConsumeProvisioningKey(ctx, key.ID); err != nil {
			return err
		}

		existing, lookupErr := c.store.GetDevice(ctx, payload.DeviceID)
		deviceExists := lookupErr == nil

		proposed := 1
		if deviceExists {
			proposed = 0
		}
		activeCount, err := c.store.CountActiveDevices(ctx)
		if err != nil {
			return err
		}
		if ok, limitErr := c.license.WithinLimit("max_devices", activeCount+proposed); !ok {
			admissionDenied = true
			return limitErr
		}

		device := &store.Device{
			DeviceID:       payload.DeviceID,
			DisplayName:    payload.DisplayName,
			Kind:           payload.Kind,
			AgentVersion:   payload.AgentVersion,
			AdmissionState: store.AdmissionActive,
			FleetTag:       key.FleetTag,
		}
		if existing != nil {
			device.CreatedAt = existing.CreatedAt
		}
		if err := c.store.UpsertDevice(ctx, device); err != nil {
			return err
		}

		cred, err := c.identity.MaterializeDeviceAccount(ctx, payload.DeviceID)
		if err != nil {
			return err
		}

		apiKeyPlaintext, apiKeyHash, err := identity.IssueAPIKey()
		if err != nil {
			return err
		}
		device.APIKeyHash = apiKeyHash
		if err := c.store.UpsertDevice(ctx, device); err != nil {
			return err
		}

		if _, err := c.store.GetDesiredState(ctx, payload.DeviceID); err != nil {
			apps, cfg, err := c.state.DefaultTemplateFor(ctx, payload.DeviceID)
			if err != nil {
				return err
			}
			if _, err := c.state.SetDesired(ctx, payload.DeviceID, apps, cfg); err != nil {
				return err
			}
		}

		bundle = c.buildBundle(device, cred, apiKeyPlaintext)
		return nil
	})
	if err != nil {
		if admissionDenied {
			// Written after the rollback so the rejection record is not
			// discarded along with the transaction.
			details, _ := json.Marshal(map[string]any{"device_id": payload.DeviceID})
			_ = c.store.AppendAuditRecord(ctx, &store.AuditRecord{
				Kind: "AdmissionDenied", Severity: "warning", Actor: payload.DeviceID, Details: details,
			})
		}
		return nil, err
	}

	c.bus.Publish(ctx, eventbus.Event{
		Topic:   eventbus.TopicDeviceProvisioned,
		Payload: eventbus.DeviceProvisionedPayload{DeviceID: payload.DeviceID},
	})

	return bundle, nil
}

func (c *Coordinator) buildBundle(device *store.Device, cred *identity.DeviceCredential, apiKeyPlaintext string) *Bundle {
	b := &Bundle{}
	b.Device.DeviceID = device.DeviceID
	b.Device.DisplayName = device.DisplayName
	b.API.Endpoint = c.cfg.APIEndpoint
	b.API.APIKey = apiKeyPlaintext
	b.API.TLSCA = c.tlsCABundle
	b.MQTT.BrokerURL = c.mqttCfg.BrokerURL
	b.MQTT.Username = cred.Username
	b.MQTT.Password = cred.Password
	b.MQTT.TLS.CA = c.tlsCABundle
	b.MQTT.TLS.Verify = c.mqttCfg.TLSVerify
	return b
}

// PlatformPublicKey exposes the bootstrap public key, e.g. for out-of-band
// distribution alongside phase 1.
func (c *Coordinator) PlatformPublicKey() *rsa.PublicKey {
	return c.platformKP.Public
}
