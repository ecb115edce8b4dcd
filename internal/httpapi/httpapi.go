// Package httpapi serves the broker authentication protocol (spec §6.1)
// and the provisioning envelopes (spec §6.2) over HTTP.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Iotistica/iotistic-sub002/internal/brokerauth"
	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/middleware"
	"github.com/Iotistica/iotistic-sub002/internal/provisioning"
)

// Server wires the control plane's HTTP surface.
type Server struct {
	broker       *brokerauth.Service
	provisioning *provisioning.Coordinator
	rateLimiter  *middleware.RateLimiter
	logger       *logging.Logger
}

// New constructs a Server. Call Router to obtain the mountable handler.
func New(broker *brokerauth.Service, coord *provisioning.Coordinator, limiter *middleware.RateLimiter, logger *logging.Logger) *Server {
	return &Server{broker: broker, provisioning: coord, rateLimiter: limiter, logger: logger}
}

// Router builds the gorilla/mux router serving every endpoint in spec §6.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/auth/user", middleware.Logging(s.logger, "/auth/user")(http.HandlerFunc(s.handleAuthUser))).Methods(http.MethodPost)
	r.Handle("/auth/acl", middleware.Logging(s.logger, "/auth/acl")(http.HandlerFunc(s.handleAuthACL))).Methods(http.MethodPost)
	r.Handle("/provisioning/phase1", middleware.Logging(s.logger, "/provisioning/phase1")(http.HandlerFunc(s.handlePhase1))).Methods(http.MethodPost)
	r.Handle("/provisioning/phase2", middleware.Logging(s.logger, "/provisioning/phase2")(http.HandlerFunc(s.handlePhase2))).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return r
}

// authUserRequest is the broker's synchronous connect-auth body (spec §6.1).
type authUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	var req authUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if s.broker.CheckUser(r.Context(), req.Username, req.Password) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}

// authACLRequest is the broker's synchronous pub/sub-auth body (spec §6.1).
// acc: 1 = read, 2 = write, 3 = read+write.
type authACLRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Acc      int    `json:"acc"`
}

func (s *Server) handleAuthACL(w http.ResponseWriter, r *http.Request) {
	var req authACLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	ops := accToOperations(req.Acc)
	if len(ops) == 0 {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	for _, op := range ops {
		if !s.broker.CheckACL(r.Context(), req.Username, req.Topic, op) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func accToOperations(acc int) []brokerauth.Operation {
	switch acc {
	case 1:
		return []brokerauth.Operation{brokerauth.OpRead}
	case 2:
		return []brokerauth.Operation{brokerauth.OpWrite}
	case 3:
		return []brokerauth.Operation{brokerauth.OpRead, brokerauth.OpWrite}
	default:
		return nil
	}
}

type phase1Request struct {
	DeviceID          string `json:"device_id"`
	ProvisioningToken string `json:"provisioning_token"`
	DevicePublicKey   string `json:"device_public_key,omitempty"`
}

func (s *Server) handlePhase1(w http.ResponseWriter, r *http.Request) {
	callerIP := middleware.ClientIPOf(r)
	if !s.rateLimiter.Allow(callerIP) {
		middleware.WriteServiceError(w, svcerrors.RateLimited())
		return
	}

	var req phase1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteServiceError(w, svcerrors.BadRequest("malformed phase 1 request body"))
		return
	}

	resp, err := s.provisioning.Phase1(r.Context(), provisioning.Phase1Request{
		DeviceID:          req.DeviceID,
		ProvisioningToken: req.ProvisioningToken,
		DevicePublicKey:   []byte(req.DevicePublicKey),
		CallerIP:          callerIP,
	})
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Acknowledged {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"platform_public_key": string(resp.PlatformPublicKeyPEM),
		"key_id":              resp.KeyID,
	})
}

type phase2Request struct {
	EncryptedPayload string `json:"encrypted_payload"`
}

func (s *Server) handlePhase2(w http.ResponseWriter, r *http.Request) {
	callerIP := middleware.ClientIPOf(r)
	if !s.rateLimiter.Allow(callerIP) {
		middleware.WriteServiceError(w, svcerrors.RateLimited())
		return
	}

	var req phase2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteServiceError(w, svcerrors.BadRequest("malformed phase 2 request body"))
		return
	}

	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
	if err != nil {
		middleware.WriteServiceError(w, svcerrors.BadRequest("encrypted_payload is not valid base64"))
		return
	}

	bundle, err := s.provisioning.Phase2(r.Context(), encrypted, callerIP)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bundle)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
