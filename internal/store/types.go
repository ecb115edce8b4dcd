// Package store is the durable key-value and relational substrate (spec §4.1).
package store

import (
	"encoding/json"
	"time"
)

// AdmissionState is a Device's place in its provisioning lifecycle.
type AdmissionState string

const (
	AdmissionPending AdmissionState = "pending"
	AdmissionActive  AdmissionState = "active"
	AdmissionRetired AdmissionState = "retired"
)

// Device is the platform's record of an enrolled edge device.
type Device struct {
	DeviceID       string
	DisplayName    string
	Kind           string
	AgentVersion   string
	AdmissionState AdmissionState
	LastContactAt  *time.Time
	APIKeyHash     string
	// FleetTag is copied from the provisioning key used at admission time
	// (spec §4.4) so ScheduledJob fleet selectors can target it without a
	// join back through provisioning_keys. Nil for devices admitted with
	// an untagged key.
	FleetTag  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DevicePublicKey is the device-supplied key captured at phase 1.
type DevicePublicKey struct {
	DeviceID  string
	PublicKey []byte
	UpdatedAt time.Time
}

// ProvisioningKey is a hashed-at-rest, use-counted bearer credential that
// authorizes enrollment (spec §3, §4.4).
type ProvisioningKey struct {
	ID        string
	KeyHash   string
	FleetTag  *string
	MaxUses   *int
	Uses      int
	Active    bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Usable reports whether the key may still authorize a provisioning attempt.
func (k ProvisioningKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	if k.MaxUses != nil && k.Uses >= *k.MaxUses {
		return false
	}
	return true
}

// DeviceState is the shared shape of DesiredState and ReportedState (spec §3).
type DeviceState struct {
	DeviceID    string
	Apps        map[string]any
	Config      map[string]any
	Version     int64
	ContentHash string
	UpdatedAt   time.Time
}

// MqttUser is a broker account, keyed by username (spec §3).
type MqttUser struct {
	Username     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Permission is a single MQTT operation an ACL may grant.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// MqttAcl binds a username and topic pattern to a permission set (spec §3).
type MqttAcl struct {
	ID            int64
	Username      string
	TopicPattern  string
	Permissions   map[Permission]bool
	CreatedAt     time.Time
}

// HasPermission reports whether the ACL grants the given operation.
func (a MqttAcl) HasPermission(p Permission) bool {
	return a.Permissions[p]
}

// JobStatus is a position in the Job Engine's state machine (spec §4.8).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// Job is a per-device unit of dispatched work (spec §3, §4.8).
type Job struct {
	ID           string
	DeviceID     string
	Kind         string
	Status       JobStatus
	Payload      json.RawMessage
	Result       json.RawMessage
	CreatedAt    time.Time
	DispatchedAt *time.Time
	FinishedAt   *time.Time
}

// DeviceSelectorKind distinguishes how a ScheduledJob chooses its targets.
type DeviceSelectorKind string

const (
	SelectDevice  DeviceSelectorKind = "device"
	SelectFleet   DeviceSelectorKind = "fleet"
	SelectAll     DeviceSelectorKind = "all"
)

// ScheduledJob is a cron-driven template that produces Job instances (spec §3, §4.8).
type ScheduledJob struct {
	ID             string
	SelectorKind   DeviceSelectorKind
	SelectorValue  string
	Kind           string
	Payload        json.RawMessage
	CronExpression string
	NextFireAt     time.Time
	Active         bool
}

// AuditRecord is an append-only note of a security-relevant event (spec §3).
type AuditRecord struct {
	ID         int64
	Kind       string
	Severity   string
	Actor      string
	Details    json.RawMessage
	OccurredAt time.Time
}

// SystemConfig is an arbitrary string key to JSON value mapping (spec §3).
type SystemConfig struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Well-known SystemConfig keys consumed by the core (spec §3).
const (
	ConfigKeyLicenseClaims     = "license.claims"
	ConfigKeyPlatformKeyPair   = "provisioning.platform_keypair"
	ConfigKeyDefaultTemplate   = "state.default_template"
	ConfigKeyMQTTBroker        = "mqtt.broker"
	ConfigKeyTLSCABundle       = "tls.ca_bundle"
)
