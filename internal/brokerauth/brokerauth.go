// Package brokerauth implements the synchronous user/ACL decision service
// consumed by the external MQTT broker (spec §4.7). Every decision is
// fail-closed: any internal error is answered as deny.
package brokerauth

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// Service answers check_user and check_acl decisions for the broker.
type Service struct {
	store  *store.Store
	cache  *aclCache
	logger *logging.Logger
}

// New constructs a Service backed by Redis for the hot-path ACL cache
// (spec §4.7 latency budget). rdb may be nil, in which case ACL lookups
// are cached in an in-process map with the same TTL.
func New(st *store.Store, rdb *redis.Client, ttl time.Duration, logger *logging.Logger, bus *eventbus.Bus) *Service {
	svc := &Service{
		store:  st,
		cache:  newACLCache(rdb, ttl),
		logger: logger,
	}

	bus.Subscribe(eventbus.TopicDeviceProvisioned, func(ctx context.Context, evt eventbus.Event) {
		if payload, ok := evt.Payload.(eventbus.DeviceProvisionedPayload); ok {
			svc.cache.invalidate(ctx, "device-"+payload.DeviceID)
		}
	})

	return svc
}

// CheckUser validates a broker connect attempt (spec §4.7).
func (s *Service) CheckUser(ctx context.Context, username, password string) bool {
	user, err := s.store.GetMqttUser(ctx, username)
	if err != nil {
		return false
	}
	if !user.Active {
		return false
	}
	return crypto.VerifyPassword(password, user.PasswordHash)
}

// Operation is a requested MQTT action against a topic.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// CheckACL validates a publish or subscribe attempt against username's
// granted ACL set (spec §4.7).
func (s *Service) CheckACL(ctx context.Context, username, topic string, op Operation) bool {
	acls, err := s.aclsFor(ctx, username)
	if err != nil {
		return false
	}
	for _, acl := range acls {
		if !acl.HasPermission(store.Permission(op)) {
			continue
		}
		if topicMatches(acl.TopicPattern, topic) {
			return true
		}
	}
	return false
}

func (s *Service) aclsFor(ctx context.Context, username string) ([]*store.MqttAcl, error) {
	if cached, ok := s.cache.get(ctx, username); ok {
		return cached, nil
	}

	acls, err := s.store.ListMqttAcls(ctx, username)
	if err != nil {
		return nil, err
	}
	s.cache.set(ctx, username, acls)
	return acls, nil
}

// topicMatches implements the pattern rules from spec §6.1/§4.7: `+`
// matches exactly one segment, `#` matches one or more trailing segments
// and may only be the final segment.
func topicMatches(pattern, topic string) bool {
	patternSegs := strings.Split(pattern, "/")
	topicSegs := strings.Split(topic, "/")

	for i, seg := range patternSegs {
		if seg == "#" {
			return i < len(topicSegs)
		}
		if i >= len(topicSegs) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}
	return len(patternSegs) == len(topicSegs)
}
