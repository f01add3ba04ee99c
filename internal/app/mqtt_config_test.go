package app_test

import (
	"testing"

	"meshmon/internal/app"
	"meshmon/internal/config"
)

func TestBuildMQTTConfig(t *testing.T) {
	cfg := &config.App{
		Name:              "Meshmon ",
		MQTTBrokerAddress: "mqtt.meshnet.example ",
		MQTTPort:          1883,
		MQTTUsername:      " meshdev",
		MQTTPassword:      "large4cats ",
		MQTTTopicPrefix:   "msh/eu",
		MQTTTopicSuffix:   "+/2/json/#",
	}

	mqttCfg := app.BuildMQTTConfig(cfg)

	if mqttCfg.BrokerHost != "mqtt.meshnet.example" {
		t.Fatalf("expected trimmed broker host, got %q", mqttCfg.BrokerHost)
	}
	if mqttCfg.Username != "meshdev" {
		t.Fatalf("expected trimmed username, got %q", mqttCfg.Username)
	}
	if mqttCfg.Password != "large4cats" {
		t.Fatalf("expected trimmed password, got %q", mqttCfg.Password)
	}
	if mqttCfg.TopicPrefix != "msh/eu" {
		t.Fatalf("expected prefix preserved, got %q", mqttCfg.TopicPrefix)
	}
	if mqttCfg.TopicSuffix != "+/2/json/#" {
		t.Fatalf("expected suffix preserved, got %q", mqttCfg.TopicSuffix)
	}
	if mqttCfg.ClientID != "meshmon" {
		t.Fatalf("expected lowercase client id, got %q", mqttCfg.ClientID)
	}
}
