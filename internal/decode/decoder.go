package decode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
)

// Decoder converts raw transport messages into structured packets.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Packet, error)
}

// EnvelopeConfig controls envelope decoding.
type EnvelopeConfig struct {
	// StoreRaw keeps the original envelope bytes on the packet for audit.
	StoreRaw bool
}

// EnvelopeDecoder parses the bridge's JSON envelopes.
type EnvelopeDecoder struct {
	cfg EnvelopeConfig
}

// NewEnvelopeDecoder constructs a decoder with the given configuration.
func NewEnvelopeDecoder(cfg EnvelopeConfig) *EnvelopeDecoder {
	return &EnvelopeDecoder{cfg: cfg}
}

// envelope mirrors the JSON the bridge publishes. Identity fields may be
// numbers or strings depending on firmware, hence the any type.
type envelope struct {
	From      any      `json:"from"`
	To        any      `json:"to"`
	Channel   int      `json:"channel"`
	Type      string   `json:"type"`
	PortNum   int      `json:"portNum"`
	PacketID  string   `json:"packetId"`
	Text      string   `json:"text"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude"`

	LongName  string `json:"longName"`
	ShortName string `json:"shortName"`
	HWModel   string `json:"hwModel"`
	Role      string `json:"role"`

	BatteryLevel       *int     `json:"batteryLevel"`
	Voltage            *float64 `json:"voltage"`
	Temperature        *float64 `json:"temperature"`
	Humidity           *float64 `json:"humidity"`
	Pressure           *float64 `json:"pressure"`
	ChannelUtilization *float64 `json:"channelUtilization"`
	AirUtilTx          *float64 `json:"airUtilTx"`

	RSSI     *int     `json:"rssi"`
	SNR      *float64 `json:"snr"`
	HopLimit *int     `json:"hopLimit"`
	HopStart *int     `json:"hopStart"`

	ViaRelay  bool   `json:"viaRelay"`
	WantAck   bool   `json:"wantAck"`
	Delayed   bool   `json:"delayed"`
	Encrypted bool   `json:"encrypted"`
	Priority  *int   `json:"priority"`
	Timestamp string `json:"timestamp"`
}

// Decode implements Decoder. Unknown message types fall back to the
// generic "packet" variant; a missing sender degrades to the unknown
// sentinel rather than failing.
func (d *EnvelopeDecoder) Decode(_ context.Context, msg mqtt.Message) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Packet{}, fmt.Errorf("decode: parse envelope: %w", err)
	}

	pkt := Packet{
		Type:       normalizeType(env.Type),
		From:       hop.NormalizeID(env.From),
		Channel:    env.Channel,
		PortNum:    env.PortNum,
		PacketID:   env.PacketID,
		RSSI:       env.RSSI,
		SNR:        env.SNR,
		HopLimit:   env.HopLimit,
		HopStart:   env.HopStart,
		ViaRelay:   env.ViaRelay,
		WantAck:    env.WantAck,
		Delayed:    env.Delayed,
		Encrypted:  env.Encrypted,
		Priority:   env.Priority,
		ReceivedAt: parseTimestamp(env.Timestamp, msg.Time),
	}

	if env.To != nil {
		pkt.To = hop.NormalizeID(env.To)
	}
	if d.cfg.StoreRaw {
		pkt.Raw = append([]byte(nil), msg.Payload...)
	}

	switch pkt.Type {
	case MessageText:
		pkt.Text = &TextInfo{Text: env.Text}
	case MessagePosition:
		pkt.Position = &PositionInfo{
			Latitude:  env.Latitude,
			Longitude: env.Longitude,
			Altitude:  env.Altitude,
		}
	case MessageNodeInfo:
		pkt.NodeInfo = &NodeInfo{
			LongName:  env.LongName,
			ShortName: env.ShortName,
			HWModel:   env.HWModel,
			Role:      env.Role,
		}
	case MessageTelemetry:
		pkt.Telemetry = &TelemetryInfo{
			BatteryLevel:       env.BatteryLevel,
			Voltage:            env.Voltage,
			Temperature:        env.Temperature,
			Humidity:           env.Humidity,
			Pressure:           env.Pressure,
			ChannelUtilization: env.ChannelUtilization,
			AirUtilTx:          env.AirUtilTx,
		}
	}

	return pkt, nil
}

func normalizeType(t string) MessageType {
	switch MessageType(t) {
	case MessageText, MessagePosition, MessageNodeInfo, MessageTelemetry:
		return MessageType(t)
	default:
		return MessagePacket
	}
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	if fallback.IsZero() {
		return time.Now()
	}
	return fallback
}
