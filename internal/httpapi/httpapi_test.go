package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub002/internal/brokerauth"
	"github.com/Iotistica/iotistic-sub002/internal/config"
	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/identity"
	"github.com/Iotistica/iotistic-sub002/internal/license"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/middleware"
	"github.com/Iotistica/iotistic-sub002/internal/provisioning"
	"github.com/Iotistica/iotistic-sub002/internal/state"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.New("httpapi-test", "error", "text")
	st := store.NewWithDB(db, logger)
	bus := eventbus.New()
	broker := brokerauth.New(st, nil, time.Minute, logger, bus)

	idSvc := identity.New(st, logger)
	lic := license.New(st, logger, config.LicenseConfig{})
	stateEngine := state.New(st, bus)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	coord := provisioning.New(st, idSvc, lic, stateEngine, bus, logger, kp,
		config.ProvisioningConfig{APIEndpoint: "https://api.example.test"},
		config.MQTTConfig{BrokerURL: "tls://broker.example.test:8883"},
	)

	limiter := middleware.NewRateLimiterWithWindow(100, time.Minute, 100, logger)
	return New(broker, coord, limiter, logger), mock
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAuthUserAcceptsValidCredentials(t *testing.T) {
	srv, mock := newTestServer(t)

	hash, err := crypto.HashPassword("s3cr3t")
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT username, password_hash, active`).
		WithArgs("device-D1").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "active", "created_at", "updated_at"}).
			AddRow("device-D1", hash, true, time.Now(), time.Now()))

	body, _ := json.Marshal(map[string]string{"username": "device-D1", "password": "s3cr3t"})
	req := httptest.NewRequest(http.MethodPost, "/auth/user", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAuthUserRejectsWrongPassword(t *testing.T) {
	srv, mock := newTestServer(t)

	hash, err := crypto.HashPassword("s3cr3t")
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT username, password_hash, active`).
		WithArgs("device-D1").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "active", "created_at", "updated_at"}).
			AddRow("device-D1", hash, true, time.Now(), time.Now()))

	body, _ := json.Marshal(map[string]string{"username": "device-D1", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/user", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthUserRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/user", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthACLGrantsCombinedReadWrite(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT id, username, topic_pattern, permissions`).
		WithArgs("device-D1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "topic_pattern", "permissions", "created_at"}).
			AddRow(1, "device-D1", "agent/D1/#", "{read,write}", time.Now()))

	body, _ := json.Marshal(map[string]any{"username": "device-D1", "topic": "agent/D1/jobs", "acc": 3})
	req := httptest.NewRequest(http.MethodPost, "/auth/acl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAuthACLRejectsUnknownAccLevel(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"username": "device-D1", "topic": "agent/D1/jobs", "acc": 99})
	req := httptest.NewRequest(http.MethodPost, "/auth/acl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlePhase1RejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/provisioning/phase1", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePhase1ReturnsPlatformKeyWhenNoneSupplied(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, key_hash, fleet_tag`).
		WithArgs(crypto.HashToken("tok-1")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key_hash", "fleet_tag", "max_uses", "uses", "active", "expires_at", "created_at",
		}).AddRow("key-1", crypto.HashToken("tok-1"), nil, nil, 0, true, nil, time.Now()))
	mock.ExpectCommit()

	body, _ := json.Marshal(map[string]string{"device_id": "D1", "provisioning_token": "tok-1"})
	req := httptest.NewRequest(http.MethodPost, "/provisioning/phase1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["platform_public_key"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePhase2RejectsInvalidBase64Payload(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"encrypted_payload": "not-base64!!"})
	req := httptest.NewRequest(http.MethodPost, "/provisioning/phase2", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
