package decode_test

import (
	"context"
	"testing"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/mqtt"
)

func decodeOne(t *testing.T, payload string) decode.Packet {
	t.Helper()

	d := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{StoreRaw: true})
	pkt, err := d.Decode(context.Background(), mqtt.Message{
		Topic:   "mesh/bridge/json",
		Payload: []byte(payload),
		Time:    time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return pkt
}

func TestDecodeTextEnvelope(t *testing.T) {
	pkt := decodeOne(t, `{
		"from": "!a1b2c3d4",
		"to": 4294967295,
		"type": "text",
		"text": "hello mesh",
		"channel": 2,
		"rssi": -78,
		"snr": 6.25,
		"hopLimit": 1,
		"hopStart": 3,
		"wantAck": true,
		"timestamp": "2026-08-30T10:00:00Z"
	}`)

	if pkt.Type != decode.MessageText {
		t.Fatalf("expected text type, got %q", pkt.Type)
	}
	if pkt.From != "a1b2c3d4" {
		t.Fatalf("expected normalized sender, got %q", pkt.From)
	}
	if pkt.To != "4294967295" {
		t.Fatalf("expected numeric recipient stringified, got %q", pkt.To)
	}
	if pkt.Text == nil || pkt.Text.Text != "hello mesh" {
		t.Fatalf("expected text payload, got %+v", pkt.Text)
	}
	if pkt.HopLimit == nil || *pkt.HopLimit != 1 || pkt.HopStart == nil || *pkt.HopStart != 3 {
		t.Fatalf("expected hop fields 1/3")
	}
	if !pkt.WantAck {
		t.Fatalf("expected want_ack flag")
	}
	if !pkt.ReceivedAt.Equal(time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected envelope timestamp, got %v", pkt.ReceivedAt)
	}
	if len(pkt.Raw) == 0 {
		t.Fatalf("expected raw payload retained")
	}
}

func TestDecodePositionEnvelope(t *testing.T) {
	pkt := decodeOne(t, `{"from": 305419896, "type": "position", "latitude": 52.52, "longitude": 13.405, "altitude": 34}`)

	if pkt.Type != decode.MessagePosition {
		t.Fatalf("expected position type, got %q", pkt.Type)
	}
	if pkt.From != "305419896" {
		t.Fatalf("expected numeric sender stringified, got %q", pkt.From)
	}
	if pkt.Position == nil || pkt.Position.Latitude == nil || *pkt.Position.Latitude != 52.52 {
		t.Fatalf("expected latitude, got %+v", pkt.Position)
	}
	if pkt.Position.Altitude == nil || *pkt.Position.Altitude != 34 {
		t.Fatalf("expected altitude, got %+v", pkt.Position.Altitude)
	}
}

func TestDecodeTelemetryEnvelope(t *testing.T) {
	pkt := decodeOne(t, `{"from": "abcd", "type": "telemetry", "batteryLevel": 87, "voltage": 4.01, "temperature": 21.5}`)

	if pkt.Telemetry == nil {
		t.Fatalf("expected telemetry variant")
	}
	if pkt.Telemetry.BatteryLevel == nil || *pkt.Telemetry.BatteryLevel != 87 {
		t.Fatalf("expected battery level 87")
	}
	if pkt.Telemetry.Voltage == nil || *pkt.Telemetry.Voltage != 4.01 {
		t.Fatalf("expected voltage 4.01")
	}
}

func TestDecodeDefaults(t *testing.T) {
	pkt := decodeOne(t, `{"type": "routing"}`)

	if pkt.Type != decode.MessagePacket {
		t.Fatalf("expected unknown type to fall back to packet, got %q", pkt.Type)
	}
	if pkt.From != "unknown" {
		t.Fatalf("expected unknown sender sentinel, got %q", pkt.From)
	}
	// No timestamp in the envelope: the receive time is used.
	if !pkt.ReceivedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("expected receive time fallback, got %v", pkt.ReceivedAt)
	}
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	d := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{})
	_, err := d.Decode(context.Background(), mqtt.Message{Payload: []byte("not json")})
	if err == nil {
		t.Fatalf("expected error for malformed envelope")
	}
}
