package holepunch

import "bytes"

// Reserved control tokens. Each is sent as the whole datagram.
const (
	TokenPunch    = "PUNCH"
	TokenPunchAck = "PUNCH_ACK"
	TokenPing     = "PING"
	TokenPong     = "PONG"
)

// BufferSize for receiving UDP packets
const BufferSize = 1500

// Kind tags a classified datagram.
type Kind int

const (
	KindMessage Kind = iota
	KindPunch
	KindPunchAck
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindPunch:
		return "punch"
	case KindPunchAck:
		return "punch_ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "message"
	}
}

// Packet is a classified datagram. Payload is only set for KindMessage.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// IsControl reports whether the packet belongs to the engine.
func (p Packet) IsControl() bool {
	return p.Kind != KindMessage
}

var tokens = []struct {
	raw  []byte
	kind Kind
}{
	{[]byte(TokenPunch), KindPunch},
	{[]byte(TokenPunchAck), KindPunchAck},
	{[]byte(TokenPing), KindPing},
	{[]byte(TokenPong), KindPong},
}

// Classify matches data against the reserved tokens byte for byte.
// Anything else is a message; its payload is not decoded here.
func Classify(data []byte) Packet {
	for _, t := range tokens {
		if bytes.Equal(data, t.raw) {
			return Packet{Kind: t.kind}
		}
	}
	return Packet{Kind: KindMessage, Payload: data}
}

// IsReserved reports whether text would be read by the peer as a control token.
func IsReserved(text string) bool {
	return Classify([]byte(text)).IsControl()
}

func encode(kind Kind) []byte {
	for _, t := range tokens {
		if t.kind == kind {
			return t.raw
		}
	}
	return nil
}
