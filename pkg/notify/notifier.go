// Package notify publishes user-addressed events on key lifecycle
// transitions. Delivery is fire-and-forget over the platform's message bus;
// undelivered events are not retried.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Event is one user-visible notification.
type Event struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	PluginType  string `json:"plugin_type,omitempty"`
	PluginID    string `json:"plugin_id,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// NewEvent builds a plain message event with success status.
func NewEvent(message, pluginType, pluginID string) Event {
	return Event{Type: "message", Status: "success", Message: message, PluginType: pluginType, PluginID: pluginID}
}

// Failure marks the event as an error.
func (e Event) Failure() Event {
	e.Status = "error"
	return e
}

// publisher is the bus client surface; swapped in tests.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Notifier publishes events onto per-user topics.
type Notifier struct {
	client    publisher
	baseTopic string
	log       *zap.Logger
}

// New connects to the broker. A missing broker address yields a disabled
// notifier that drops events silently.
func New(broker, username, password, baseTopic string, log *zap.Logger) *Notifier {
	n := &Notifier{baseTopic: baseTopic, log: log}
	if broker == "" {
		log.Warn("notification broker not configured; events will be dropped")
		return n
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetUsername(username).
		SetPassword(password).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		log.Warn("notification broker unreachable", zap.Error(token.Error()))
	}
	n.client = client
	return n
}

// NewWithClient wires an existing bus client (tests).
func NewWithClient(client publisher, baseTopic string, log *zap.Logger) *Notifier {
	return &Notifier{client: client, baseTopic: baseTopic, log: log}
}

// Topic is the per-user plugin event topic.
func (n *Notifier) Topic(userID string) string {
	return fmt.Sprintf("%s/%s/plugins", n.baseTopic, userID)
}

// Push publishes an event to one user. Errors are logged, never returned:
// notification failure must not fail the pipeline.
func (n *Notifier) Push(userID string, event Event) {
	if n.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Error("notification marshal failed", zap.Error(err))
		return
	}
	token := n.client.Publish(n.Topic(userID), 1, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			n.log.Warn("notification publish failed",
				zap.String("user", userID), zap.Error(token.Error()))
		}
	}()
}
