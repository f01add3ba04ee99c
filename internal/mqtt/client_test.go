package mqtt_test

import (
	"testing"

	"meshmon/internal/mqtt"
)

func TestSubscriptionTopic(t *testing.T) {
	tests := []struct {
		name   string
		cfg    mqtt.Config
		expect string
	}{
		{name: "prefix and suffix", cfg: mqtt.Config{TopicPrefix: "mesh/bridge", TopicSuffix: "+/json/#"}, expect: "mesh/bridge/+/json/#"},
		{name: "prefix only", cfg: mqtt.Config{TopicPrefix: "mesh"}, expect: "mesh"},
		{name: "suffix only", cfg: mqtt.Config{TopicSuffix: "+/#"}, expect: "+/#"},
		{name: "both empty", cfg: mqtt.Config{}, expect: "#"},
	}

	for _, tt := range tests {
		if topic := tt.cfg.SubscriptionTopic(); topic != tt.expect {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.expect, topic)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := mqtt.NewClient(mqtt.Config{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}

	client, err := mqtt.NewClient(mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected client instance")
	}
}
