package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// Server serves the Modbus-TCP-shaped register/coil map over a
// connection-oriented stream socket. Each client connection gets an
// independent reader goroutine; all reads/writes go through DataStore's
// single mutex for the duration of one operation.
type Server struct {
	store    *DataStore
	log      *zap.Logger
	listener net.Listener
}

// NewServer binds addr and returns a Server ready to Serve. A bind failure
// here is a publisher setup failure, not fatal: the caller logs a warning
// and disables this publisher while the rest of the service proceeds.
func NewServer(addr string, store *DataStore, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding modbus register server on %s: %w", addr, err)
	}
	return &Server{store: store, log: log, listener: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

const mbapHeaderLen = 7

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, mbapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		transactionID := binary.BigEndian.Uint16(header[0:2])
		pduLen := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]

		if pduLen == 0 || pduLen > 253 {
			return
		}
		pdu := make([]byte, pduLen)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		resp, err := s.dispatch(pdu)
		if err != nil {
			s.log.Debug("modbus request rejected", zap.Error(err))
			resp = exceptionResponse(pdu[0], 0x04) // server device failure
		}

		out := make([]byte, mbapHeaderLen+len(resp))
		binary.BigEndian.PutUint16(out[0:2], transactionID)
		binary.BigEndian.PutUint16(out[2:4], 0) // protocol id, always 0 for Modbus
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(resp)))
		out[6] = unitID
		copy(out[7:], resp)

		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func exceptionResponse(funcCode byte, exceptionCode byte) []byte {
	return []byte{funcCode | 0x80, exceptionCode}
}

// dispatch decodes one PDU and produces its response PDU (function code
// byte included), implementing the five supported function codes.
func (s *Server) dispatch(pdu []byte) ([]byte, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("empty pdu")
	}
	funcCode := pdu[0]

	switch funcCode {
	case FuncReadCoils:
		return s.handleReadCoils(pdu)
	case FuncReadHoldingRegs:
		return s.handleReadHoldingRegisters(pdu)
	case FuncWriteSingleCoil:
		return s.handleWriteSingleCoil(pdu)
	case FuncWriteSingleReg:
		return s.handleWriteSingleRegister(pdu)
	case FuncWriteMultiRegs:
		return s.handleWriteMultipleRegisters(pdu)
	default:
		return nil, fmt.Errorf("unsupported function code 0x%02x", funcCode)
	}
}

func (s *Server) handleReadCoils(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("short read-coils request")
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	coils, ok := s.store.ReadCoils(addr, qty)
	if !ok {
		return nil, fmt.Errorf("read-coils out of range")
	}
	byteCount := (len(coils) + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = FuncReadCoils
	resp[1] = byte(byteCount)
	for i, v := range coils {
		if v {
			resp[2+i/8] |= 1 << uint(i%8)
		}
	}
	return resp, nil
}

func (s *Server) handleReadHoldingRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("short read-holding-registers request")
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	regs, ok := s.store.ReadHoldingRegisters(addr, qty)
	if !ok {
		return nil, fmt.Errorf("read-holding-registers out of range")
	}
	resp := make([]byte, 2+len(regs)*2)
	resp[0] = FuncReadHoldingRegs
	resp[1] = byte(len(regs) * 2)
	for i, v := range regs {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp, nil
}

func (s *Server) handleWriteSingleCoil(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("short write-single-coil request")
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	raw := binary.BigEndian.Uint16(pdu[3:5])
	value := raw == 0xFF00
	if !s.store.WriteSingleCoil(addr, value) {
		return nil, fmt.Errorf("write-single-coil out of range")
	}
	// Echo the request verbatim, per the Modbus write-single-coil contract.
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteSingleRegister(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("short write-single-register request")
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if !s.store.WriteSingleRegister(addr, value) {
		return nil, fmt.Errorf("write-single-register out of range")
	}
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteMultipleRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return nil, fmt.Errorf("short write-multiple-registers request")
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := pdu[5]
	if len(pdu) < 6+int(byteCount) || int(byteCount) != int(qty)*2 {
		return nil, fmt.Errorf("malformed write-multiple-registers request")
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}
	if !s.store.WriteMultipleRegisters(addr, values) {
		return nil, fmt.Errorf("write-multiple-registers out of range")
	}
	resp := make([]byte, 5)
	resp[0] = FuncWriteMultiRegs
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}
