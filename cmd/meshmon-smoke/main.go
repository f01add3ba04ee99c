// Command meshmon-smoke connects to the bridge broker and prints a line
// per received envelope. Useful for verifying broker credentials and
// topic configuration before running the daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshmon/internal/mqtt"
)

func main() {
	cfg := mqtt.Config{
		BrokerHost:  getenvDefault("127.0.0.1", "MESHMON_MQTT_BROKER_ADDRESS"),
		BrokerPort:  getenvIntDefault(1883, "MESHMON_MQTT_PORT"),
		Username:    getenvDefault("", "MESHMON_MQTT_USERNAME"),
		Password:    getenvDefault("", "MESHMON_MQTT_PASSWORD"),
		TopicPrefix: getenvDefault("msh", "MESHMON_MQTT_TOPIC_PREFIX"),
		TopicSuffix: getenvDefault("+/2/json/#", "MESHMON_MQTT_TOPIC_SUFFIX"),
		ClientID:    fmt.Sprintf("meshmon-smoke-%d", time.Now().UnixNano()),
		KeepAlive:   30 * time.Second,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("start client: %v", err)
	}
	defer client.Stop()

	log.Printf("connected to %s:%d, awaiting envelopes on %s...", cfg.BrokerHost, cfg.BrokerPort, cfg.SubscriptionTopic())

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled, exiting")
			return
		case msg, ok := <-client.Messages():
			if !ok {
				log.Printf("messages channel closed")
				return
			}
			log.Printf("MSG topic=%s size=%d valid_json=%t", msg.Topic, len(msg.Payload), json.Valid(msg.Payload))
		case err := <-client.Errors():
			log.Printf("ERR %v", err)
		case <-ticker.C:
			log.Printf("still connected, no envelopes in the last interval")
		}
	}
}

func getenvDefault(fallback string, key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvIntDefault(fallback int, key string) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
