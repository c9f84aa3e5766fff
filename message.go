package qinet

import "encoding/binary"

// Magic frames the start of every message on the wire. It is the sole
// framing anchor: mid-stream corruption is recovered by scanning forward
// for the next occurrence of this constant.
const Magic uint32 = 0x42dead42

// HeaderSize is the fixed, little-endian, on-wire size of MessageHeader.
const HeaderSize = 28

// Wire version understood by this implementation.
const WireVersion uint16 = 0

// MessageType selects the kind of a Message.
type MessageType byte

const (
	// TypeNone is the zero value; never valid on the wire.
	TypeNone MessageType = 0
	// TypeCall is an outgoing/incoming method invocation.
	TypeCall MessageType = 1
	// TypeReply carries the successful result of a Call, echoing its id.
	TypeReply MessageType = 2
	// TypeEvent is a fire-and-forget notification; never correlated.
	TypeEvent MessageType = 3
	// TypeError carries a failed Call's error payload, echoing its id.
	TypeError MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCall:
		return "Call"
	case TypeReply:
		return "Reply"
	case TypeEvent:
		return "Event"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// PathMain is the only currently defined sub-address within a service.
const PathMain uint32 = 1

// MessageHeader is the fixed 28-byte little-endian header prefixing every
// payload on the wire.
type MessageHeader struct {
	Magic    uint32
	ID       uint32
	Size     uint32
	Version  uint16
	Type     MessageType
	reserved byte
	Service  uint32
	Path     uint32
	Function uint32
}

// Encode writes the header into a freshly allocated 28-byte slice.
func (h *MessageHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.ID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
	binary.LittleEndian.PutUint16(buf[12:14], h.Version)
	buf[14] = byte(h.Type)
	buf[15] = 0
	binary.LittleEndian.PutUint32(buf[16:20], h.Service)
	binary.LittleEndian.PutUint32(buf[20:24], h.Path)
	binary.LittleEndian.PutUint32(buf[24:28], h.Function)
	return buf
}

// DecodeMessageHeader reads a header from exactly 28 bytes. Callers must
// ensure len(buf) >= HeaderSize.
func DecodeMessageHeader(buf []byte) MessageHeader {
	var h MessageHeader
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.ID = binary.LittleEndian.Uint32(buf[4:8])
	h.Size = binary.LittleEndian.Uint32(buf[8:12])
	h.Version = binary.LittleEndian.Uint16(buf[12:14])
	h.Type = MessageType(buf[14])
	h.Service = binary.LittleEndian.Uint32(buf[16:20])
	h.Path = binary.LittleEndian.Uint32(buf[20:24])
	h.Function = binary.LittleEndian.Uint32(buf[24:28])
	return h
}

// isValid reports whether the header alone looks like a well-formed frame.
// It does not know the body length yet (that's checked once the body is in
// hand, against Size).
func (h *MessageHeader) isValid() bool {
	return h.Magic == Magic && h.Type <= TypeError && h.Version == WireVersion
}

// Message is a header plus its payload Buffer.
type Message struct {
	Header  MessageHeader
	Payload *Buffer
}

// NewMessage builds a Message ready to send: it fills Size from the payload
// and sets the magic/version so IsValid() holds.
func NewMessage(id uint32, typ MessageType, service, path, function uint32, payload *Buffer) *Message {
	if payload == nil {
		payload = NewBuffer(0)
	}
	return &Message{
		Header: MessageHeader{
			Magic:    Magic,
			ID:       id,
			Size:     uint32(payload.Len()),
			Version:  WireVersion,
			Type:     typ,
			Service:  service,
			Path:     path,
			Function: function,
		},
		Payload: payload,
	}
}

// complete recomputes Size and Magic from the current payload, mirroring
// the source system's Message::_p->complete() called just before send.
func (m *Message) complete() {
	m.Header.Magic = Magic
	m.Header.Version = WireVersion
	m.Header.Size = uint32(m.Payload.Len())
}

// IsValid reports whether the message's header is self-consistent: magic
// matches, size matches the payload length, the type is in range, and the
// wire version matches.
func (m *Message) IsValid() bool {
	if !m.Header.isValid() {
		return false
	}
	return int(m.Header.Size) == m.Payload.Len()
}

// ID returns the message's correlation id.
func (m *Message) ID() uint32 { return m.Header.ID }

// Type returns the message's type.
func (m *Message) Type() MessageType { return m.Header.Type }
