// Package implicitio implements an EtherNet/IP-shaped industrial protocol
// publisher: an encapsulated-framing explicit (TCP) channel for session and
// connection setup, and a cyclic (UDP) channel exchanging fixed-layout
// "assemblies" with connected consumers.
package implicitio

import "encoding/binary"

// Encapsulation commands (the explicit channel's command field).
const (
	cmdNOP                = 0x0000
	cmdListServices       = 0x0004
	cmdListIdentity       = 0x0063
	cmdRegisterSession    = 0x0065
	cmdUnregisterSession  = 0x0066
	cmdSendRRData         = 0x006F
	cmdSendUnitData       = 0x0070
)

// CIP services used by the two directed-data commands to open/close a
// cyclic I/O connection.
const (
	cipServiceForwardOpen  = 0x54
	cipServiceForwardClose = 0x4E
)

// encapHeaderLen is the fixed 24-byte encapsulation header: command(2),
// length(2), session(4), status(4), context(8), options(4).
const encapHeaderLen = 24

// encapHeader is the explicit channel's fixed framing header.
type encapHeader struct {
	Command uint16
	Length  uint16
	Session uint32
	Status  uint32
	Context [8]byte
	Options uint32
}

func decodeEncapHeader(b []byte) encapHeader {
	var h encapHeader
	h.Command = binary.LittleEndian.Uint16(b[0:2])
	h.Length = binary.LittleEndian.Uint16(b[2:4])
	h.Session = binary.LittleEndian.Uint32(b[4:8])
	h.Status = binary.LittleEndian.Uint32(b[8:12])
	copy(h.Context[:], b[12:20])
	h.Options = binary.LittleEndian.Uint32(b[20:24])
	return h
}

func (h encapHeader) encode(payload []byte) []byte {
	out := make([]byte, encapHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], h.Command)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], h.Session)
	binary.LittleEndian.PutUint32(out[8:12], h.Status)
	copy(out[12:20], h.Context[:])
	binary.LittleEndian.PutUint32(out[20:24], h.Options)
	copy(out[24:], payload)
	return out
}

// Identity is this device's CIP identity object, returned by ListIdentity.
type Identity struct {
	VendorID    uint16
	DeviceType  uint16
	ProductCode uint16
	RevisionMaj uint8
	RevisionMin uint8
	SerialNum   uint32
	ProductName string
}

// DefaultIdentity is the identity this service advertises.
var DefaultIdentity = Identity{
	VendorID:    0xFFFF,
	DeviceType:  0x00,
	ProductCode: 1000,
	RevisionMaj: 1,
	RevisionMin: 0,
	SerialNum:   0x12345678,
	ProductName: "ZoneWatch Rangefinder Gateway",
}
