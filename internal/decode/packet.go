// Package decode turns raw transport envelopes into the structured
// packets the ingestion pipeline operates on. Radio framing is decoded
// upstream by the bridge; this package only parses its JSON envelopes.
package decode

import "time"

// MessageType identifies the packet variant.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessagePosition  MessageType = "position"
	MessageNodeInfo  MessageType = "nodeinfo"
	MessageTelemetry MessageType = "telemetry"
	MessagePacket    MessageType = "packet"
)

// Packet is a validated, typed view of one received mesh packet.
// Pointer fields are nil when the envelope did not carry them; exactly
// one of the variant pointers matching Type is populated.
type Packet struct {
	Type     MessageType
	From     string
	To       string
	Channel  int
	PortNum  int
	PacketID string

	RSSI     *int
	SNR      *float64
	HopLimit *int
	HopStart *int

	ViaRelay  bool
	WantAck   bool
	Delayed   bool
	Encrypted bool
	Priority  *int

	Text      *TextInfo
	Position  *PositionInfo
	NodeInfo  *NodeInfo
	Telemetry *TelemetryInfo

	Raw        []byte
	ReceivedAt time.Time
}

// TextInfo carries the payload of a text packet.
type TextInfo struct {
	Text string
}

// PositionInfo carries a reported position. Altitude is metres.
type PositionInfo struct {
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
}

// NodeInfo carries node identity metadata.
type NodeInfo struct {
	LongName  string
	ShortName string
	HWModel   string
	Role      string
}

// TelemetryInfo carries device and environment metrics.
type TelemetryInfo struct {
	BatteryLevel       *int
	Voltage            *float64
	Temperature        *float64
	Humidity           *float64
	Pressure           *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
}
