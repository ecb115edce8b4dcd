// Package mqttclient is a thin wrapper around the platform's own MQTT
// connection, used by the Job Engine to publish dispatch notifications
// and by cmd/controlplane to subscribe to job status reports (spec §6.3).
package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Iotistica/iotistic-sub002/internal/config"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

// Client publishes job-dispatch notifications on behalf of the control
// plane. It is not a general-purpose pub/sub wrapper: the platform does
// not subscribe to device telemetry itself, only to the status-ingestion
// topic fed to the Job Engine.
type Client struct {
	conn   mqtt.Client
	logger *logging.Logger
}

// StatusHandler receives a raw status-ingestion message: the topic it was
// published on and its payload bytes. Kept free of paho types so callers
// outside this package don't need to import the MQTT client library.
type StatusHandler func(topic string, payload []byte)

// Connect establishes the platform's own MQTT session against the
// configured broker. When onStatus is non-nil, it subscribes to the
// status-ingestion wildcard topic (spec §6.3
// `agent/<device_id>/jobs/<job_id>/status`).
func Connect(cfg config.MQTTConfig, logger *logging.Logger, onStatus StatusHandler) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	if onStatus != nil {
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			handler := func(_ mqtt.Client, msg mqtt.Message) {
				onStatus(msg.Topic(), msg.Payload())
			}
			if token := c.Subscribe("agent/+/jobs/+/status", 1, handler); token.Wait() && token.Error() != nil {
				logger.WithField("error", token.Error()).Error("failed to subscribe to job status topic")
			}
		})
	}

	conn := mqtt.NewClient(opts)
	if token := conn.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	return &Client{conn: conn, logger: logger}, nil
}

// PublishJobDispatch notifies device deviceID that job jobID is ready to
// be pulled (spec §4.8, §6.3 `agent/<device_id>/jobs`).
func (c *Client) PublishJobDispatch(deviceID, jobID string) error {
	topic := fmt.Sprintf("agent/%s/jobs", deviceID)
	token := c.conn.Publish(topic, 1, false, jobID)
	token.Wait()
	return token.Error()
}

// Disconnect closes the MQTT session.
func (c *Client) Disconnect() {
	c.conn.Disconnect(250)
}
