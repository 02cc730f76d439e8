package implicitio

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExplicitServer is the encapsulated-framing TCP channel: session
// registration, identity/services discovery, and the two directed-data
// commands used to forward-open/forward-close a cyclic I/O connection.
type ExplicitServer struct {
	cyclic   *CyclicServer
	identity Identity
	log      *zap.Logger
	listener net.Listener

	mu           sync.Mutex
	sessions     map[uint32]time.Time
	sessionCount uint32
}

// NewExplicitServer binds the explicit-channel TCP port.
func NewExplicitServer(addr string, cyclic *CyclicServer, log *zap.Logger) (*ExplicitServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &ExplicitServer{
		cyclic:   cyclic,
		identity: DefaultIdentity,
		log:      log,
		listener: ln,
		sessions: make(map[uint32]time.Time),
	}, nil
}

// Serve accepts connections until the listener is closed.
func (s *ExplicitServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *ExplicitServer) Close() error {
	return s.listener.Close()
}

func (s *ExplicitServer) handleConn(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, encapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		h := decodeEncapHeader(header)

		var payload []byte
		if h.Length > 0 {
			payload = make([]byte, h.Length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}

		resp := s.dispatch(h, payload)
		if resp == nil {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (s *ExplicitServer) dispatch(h encapHeader, payload []byte) []byte {
	switch h.Command {
	case cmdRegisterSession:
		return s.handleRegisterSession(h)
	case cmdUnregisterSession:
		s.handleUnregisterSession(h)
		return nil
	case cmdListIdentity:
		return s.handleListIdentity(h)
	case cmdListServices:
		return s.handleListServices(h)
	case cmdSendRRData:
		return s.handleSendRRData(h, payload)
	case cmdSendUnitData:
		return s.handleSendUnitData(h, payload)
	default:
		s.log.Debug("unknown encapsulation command", zap.Uint16("command", h.Command))
		return nil
	}
}

func (s *ExplicitServer) handleRegisterSession(h encapHeader) []byte {
	s.mu.Lock()
	s.sessionCount++
	session := s.sessionCount
	s.sessions[session] = time.Now()
	s.mu.Unlock()

	h.Session = session
	// RegisterSession reply payload: protocol version (2) + option flags (2).
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], 1)
	binary.LittleEndian.PutUint16(payload[2:4], 0)
	return h.encode(payload)
}

func (s *ExplicitServer) handleUnregisterSession(h encapHeader) {
	s.mu.Lock()
	delete(s.sessions, h.Session)
	s.mu.Unlock()
}

func (s *ExplicitServer) handleListIdentity(h encapHeader) []byte {
	name := []byte(s.identity.ProductName)
	item := make([]byte, 0, 24+len(name)+1)
	item = appendU16(item, 0x0C) // type id: list identity response
	item = appendU16(item, 0)    // length placeholder
	item = appendU16(item, 1)    // encapsulation version
	item = appendU16(item, 0)    // socket family (unused)
	item = appendU16(item, 0)    // socket port (unused)
	item = appendU32(item, 0)    // socket address (unused)
	item = appendU16(item, s.identity.VendorID)
	item = appendU16(item, s.identity.DeviceType)
	item = appendU16(item, s.identity.ProductCode)
	item = append(item, s.identity.RevisionMaj, s.identity.RevisionMin)
	item = appendU16(item, 0) // status
	item = appendU32(item, s.identity.SerialNum)
	item = append(item, byte(len(name)))
	item = append(item, name...)
	item = append(item, 0xFF) // state: operational

	binary.LittleEndian.PutUint16(item[2:4], uint16(len(item)-4))

	cpf := appendU16(nil, 1) // item count
	cpf = append(cpf, item...)
	return h.encode(cpf)
}

func (s *ExplicitServer) handleListServices(h encapHeader) []byte {
	name := make([]byte, 16)
	copy(name, []byte("Communications"))
	item := appendU16(nil, 0x0100) // type id: communications
	item = appendU16(item, 20)     // length
	item = appendU16(item, 0x0120) // capability flags: TCP + UDP
	item = appendU16(item, 1)      // version
	item = append(item, name...)

	cpf := appendU16(nil, 1)
	cpf = append(cpf, item...)
	return h.encode(cpf)
}

// handleSendRRData processes explicit (unconnected) messaging, used here
// for the Forward_Open service that establishes a cyclic I/O connection.
func (s *ExplicitServer) handleSendRRData(h encapHeader, payload []byte) []byte {
	service, rpi, ok := parseForwardOpen(payload)
	if !ok {
		return h.encode(nil)
	}
	switch service {
	case cipServiceForwardOpen:
		connID := uuid.New().ID()
		s.cyclic.Open(connID, rpi)
		resp := make([]byte, 4)
		binary.LittleEndian.PutUint32(resp, connID)
		return h.encode(resp)
	case cipServiceForwardClose:
		// The connection id follows the service code.
		if len(payload) >= 5 {
			s.cyclic.CloseConnection(binary.LittleEndian.Uint32(payload[1:5]))
		}
		return h.encode(nil)
	default:
		return h.encode(nil)
	}
}

// handleSendUnitData processes connected (Class 1/3) explicit messaging; a
// Forward_Close sent over an already-open connection arrives here in some
// CIP stacks, so it is handled the same way as over SendRRData.
func (s *ExplicitServer) handleSendUnitData(h encapHeader, payload []byte) []byte {
	if len(payload) >= 4 {
		connID := binary.LittleEndian.Uint32(payload[0:4])
		if len(payload) >= 5 && payload[4] == cipServiceForwardClose {
			s.cyclic.CloseConnection(connID)
		}
	}
	return nil
}

// parseForwardOpen extracts the CIP service code and requested packet
// interval from a minimal Forward_Open/Forward_Close request. The full CIP
// path/connection-parameter encoding is not reproduced; only the fields
// this publisher's connection state machine needs are read.
func parseForwardOpen(payload []byte) (service byte, rpi time.Duration, ok bool) {
	if len(payload) < 1 {
		return 0, 0, false
	}
	service = payload[0]
	if service == cipServiceForwardOpen && len(payload) >= 5 {
		rpiMicros := binary.LittleEndian.Uint32(payload[1:5])
		return service, time.Duration(rpiMicros) * time.Microsecond, true
	}
	return service, 0, true
}

func appendU16(b []byte, v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return append(b, buf...)
}

func appendU32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return append(b, buf...)
}
