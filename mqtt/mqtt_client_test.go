package mqtt

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

type recordingHandler struct {
	topic    string
	payloads []string
}

func (rh *recordingHandler) MqttSubscribeTopic() string {
	return rh.topic
}

func (rh *recordingHandler) MqttHandle(pub *paho.Publish) {
	rh.payloads = append(rh.payloads, string(pub.Payload))
}

func TestNewMqttClient(t *testing.T) {
	t.Run("valid broker", func(t *testing.T) {
		mc, err := NewMqttClient("mqtt://127.0.0.1:1883", "adukit-test")
		if err != nil {
			t.Fatalf("NewMqttClient returned err: %v", err)
		}
		if len(mc.config.ServerUrls) != 1 || mc.config.ServerUrls[0].Host != "127.0.0.1:1883" {
			t.Errorf("unexpected server urls: %v", mc.config.ServerUrls)
		}
		if mc.config.ClientConfig.ClientID != "adukit-test" {
			t.Errorf("got client id %s", mc.config.ClientConfig.ClientID)
		}
	})

	t.Run("missing scheme", func(t *testing.T) {
		_, err := NewMqttClient("127.0.0.1", "adukit-test")
		if err == nil {
			t.Error("got nil error for broker without scheme")
		}
	})
}

func TestPublishNotConnected(t *testing.T) {
	mc, _ := NewMqttClient("mqtt://127.0.0.1:1883", "adukit-test")
	if err := mc.Publish("a/b", []byte("x")); err == nil {
		t.Error("got nil error when publishing without connection")
	}
}

func TestRoute(t *testing.T) {
	mc, _ := NewMqttClient("mqtt://127.0.0.1:1883", "adukit-test")

	outputs := &recordingHandler{topic: "adu208/0/output/1/set"}
	refresh := &recordingHandler{topic: "adu208/0/inputs/refresh"}
	mc.Register([]MqttHandler{outputs, refresh})

	if !mc.route(&paho.Publish{Topic: "adu208/0/output/1/set", Payload: []byte("on")}) {
		t.Error("message for registered topic not routed")
	}
	if mc.route(&paho.Publish{Topic: "adu208/0/output/2/set", Payload: []byte("on")}) {
		t.Error("message for unknown topic routed")
	}

	if len(outputs.payloads) != 1 || outputs.payloads[0] != "on" {
		t.Errorf("got payloads %v", outputs.payloads)
	}
	if len(refresh.payloads) != 0 {
		t.Errorf("refresh handler got %v", refresh.payloads)
	}

	topics := mc.topics()
	if len(topics) != 2 {
		t.Errorf("got %d topics want 2", len(topics))
	}
}
