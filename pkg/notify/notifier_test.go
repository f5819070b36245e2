package notify

import (
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type fakePublisher struct {
	topic   string
	payload []byte
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return fakeToken{}
}

func TestPush(t *testing.T) {
	pub := &fakePublisher{}
	n := NewWithClient(pub, "notifications", zap.NewNop())

	n.Push("user-1", NewEvent("Plugin: wx has been deployed successfully", "widget", "p1"))

	if pub.topic != "notifications/user-1/plugins" {
		t.Errorf("topic = %q", pub.topic)
	}
	var event Event
	if err := json.Unmarshal(pub.payload, &event); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if event.Status != "success" || event.PluginID != "p1" {
		t.Errorf("event = %+v", event)
	}
}

func TestFailureEvent(t *testing.T) {
	e := NewEvent("Plugin: wx deployment failed", "widget", "p1").Failure()
	if e.Status != "error" {
		t.Errorf("status = %q", e.Status)
	}
}

func TestDisabledNotifierDropsEvents(t *testing.T) {
	n := New("", "", "", "notifications", zap.NewNop())
	// Must not panic with no client.
	n.Push("user-1", NewEvent("msg", "widget", "p1"))
}
