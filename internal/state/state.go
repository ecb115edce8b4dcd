// Package state implements the target/current state reconciliation model
// (spec §4.6): monotonic versioning, content hashing, and default desired
// state derivation for newly admitted devices.
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Engine mutates and reads DesiredState/ReportedState under lock_device.
type Engine struct {
	store *store.Store
	bus   *eventbus.Bus
}

func New(st *store.Store, bus *eventbus.Bus) *Engine {
	return &Engine{store: st, bus: bus}
}

// Snapshot is the (version, hash) pair returned to callers wanting
// ETag-like pull semantics, without the full apps/config payload.
type Snapshot struct {
	Version int64
	Hash    string
}

// SetDesired applies a new desired apps/config pair for a device. If the
// content hash is unchanged from the prior record, the version does not
// advance (spec §4.6 idempotence law). Must be called from within
// RunInTx while holding lock_device.
func (e *Engine) SetDesired(ctx context.Context, deviceID string, apps, config map[string]any) (Snapshot, error) {
	return e.set(ctx, deviceID, apps, config, e.store.GetDesiredState, e.store.ReplaceDesiredState, eventbus.TopicDesiredStateChanged)
}

// SetReported applies a newly reported apps/config pair for a device.
func (e *Engine) SetReported(ctx context.Context, deviceID string, apps, config map[string]any) (Snapshot, error) {
	return e.set(ctx, deviceID, apps, config, e.store.GetReportedState, e.store.ReplaceReportedState, eventbus.TopicReportedStateChanged)
}

func (e *Engine) set(
	ctx context.Context,
	deviceID string,
	apps, config map[string]any,
	get func(context.Context, string) (*store.DeviceState, error),
	replace func(context.Context, *store.DeviceState) error,
	topic eventbus.Topic,
) (Snapshot, error) {
	hash, err := crypto.HashState(apps, config)
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute content hash: %w", err)
	}

	prior, err := get(ctx, deviceID)
	var version int64 = 1
	if err == nil {
		if prior.ContentHash == hash {
			return Snapshot{Version: prior.Version, Hash: prior.ContentHash}, nil
		}
		version = prior.Version + 1
	} else if svcErr, ok := svcerrors.As(err); !ok || svcErr.Code != svcerrors.CodeNotFound {
		return Snapshot{}, err
	}

	next := &store.DeviceState{
		DeviceID:    deviceID,
		Apps:        apps,
		Config:      config,
		Version:     version,
		ContentHash: hash,
	}
	if err := replace(ctx, next); err != nil {
		return Snapshot{}, err
	}

	e.bus.Publish(ctx, eventbus.Event{
		Topic: topic,
		Payload: eventbus.StateChangedPayload{
			DeviceID: deviceID,
			Version:  version,
			Hash:     hash,
		},
	})

	return Snapshot{Version: version, Hash: hash}, nil
}

// GetDesired returns a device's current desired state.
func (e *Engine) GetDesired(ctx context.Context, deviceID string) (*store.DeviceState, error) {
	return e.store.GetDesiredState(ctx, deviceID)
}

// GetReported returns a device's most recently reported state.
func (e *Engine) GetReported(ctx context.Context, deviceID string) (*store.DeviceState, error) {
	return e.store.GetReportedState(ctx, deviceID)
}

// DefaultTemplateFor resolves the configured default desired state
// template and substitutes the `{{device_id}}` placeholder anywhere it
// appears in string values of apps/config, at any depth of nested objects;
// strings inside arrays are left unchanged (spec §4.6).
func (e *Engine) DefaultTemplateFor(ctx context.Context, deviceID string) (apps, config map[string]any, err error) {
	raw, err := e.store.GetSystemConfig(ctx, store.ConfigKeyDefaultTemplate)
	if err != nil {
		return map[string]any{}, map[string]any{}, nil
	}

	var tmpl struct {
		Apps   map[string]any `json:"apps"`
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, nil, fmt.Errorf("decode default desired state template: %w", err)
	}

	return substitutePlaceholder(tmpl.Apps, deviceID), substitutePlaceholder(tmpl.Config, deviceID), nil
}

func substitutePlaceholder(obj map[string]any, deviceID string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = replaceDeviceIDPlaceholder(val, deviceID)
		case map[string]any:
			out[k] = substitutePlaceholder(val, deviceID)
		default:
			out[k] = v
		}
	}
	return out
}

func replaceDeviceIDPlaceholder(s, deviceID string) string {
	const placeholder = "{{device_id}}"
	result := ""
	for {
		idx := indexOf(s, placeholder)
		if idx < 0 {
			result += s
			break
		}
		result += s[:idx] + deviceID
		s = s[idx+len(placeholder):]
	}
	return result
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
