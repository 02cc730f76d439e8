package implicitio

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// connState is a cyclic connection's lifecycle stage.
type connState int

const (
	connClosed connState = iota
	connEstablished
)

// connection tracks one forward-opened cyclic I/O session.
type connection struct {
	id         uint32
	state      connState
	rpi        time.Duration
	lastUpdate time.Time
}

// CyclicServer is the datagram (UDP) channel: it exchanges fixed-layout
// assemblies with connected consumers, keyed by a 4-byte connection id
// established over the explicit channel's forward-open exchange.
type CyclicServer struct {
	store *Store
	log   *zap.Logger
	conn  *net.UDPConn

	mu    sync.Mutex
	conns map[uint32]*connection
}

// NewCyclicServer binds the UDP implicit-I/O port.
func NewCyclicServer(addr string, store *Store, log *zap.Logger) (*CyclicServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &CyclicServer{
		store: store,
		log:   log,
		conn:  conn,
		conns: make(map[uint32]*connection),
	}, nil
}

// Open registers a forward-opened connection, called by the explicit
// channel on a successful ForwardOpen request.
func (c *CyclicServer) Open(connID uint32, rpi time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = &connection{
		id:         connID,
		state:      connEstablished,
		rpi:        rpi,
		lastUpdate: time.Now(),
	}
}

// CloseConnection tears down a connection on an explicit forward-close request.
func (c *CyclicServer) CloseConnection(connID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, connID)
}

// Serve reads cyclic datagrams until the socket is closed. Each valid
// datagram updates last_update, decodes the inbound assembly, triggers the
// output callback, and replies with the current input assembly under the
// same sequence/connection header. A datagram referring to an unknown
// connection id is dropped silently.
func (c *CyclicServer) Serve() {
	buf := make([]byte, 256)
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.pruneExpired()
			case <-done:
				return
			}
		}
	}()

	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.handleDatagram(buf[:n], addr)
	}
}

const cyclicHeaderLen = 6 // 2-byte sequence count + 4-byte connection id

func (c *CyclicServer) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < cyclicHeaderLen {
		return
	}
	seq := binary.LittleEndian.Uint16(data[0:2])
	connID := binary.LittleEndian.Uint32(data[2:6])

	c.mu.Lock()
	conn, ok := c.conns[connID]
	if ok {
		conn.lastUpdate = time.Now()
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if len(data) > cyclicHeaderLen {
		c.store.HandleOutput(data[cyclicHeaderLen:])
	}

	resp := make([]byte, cyclicHeaderLen)
	binary.LittleEndian.PutUint16(resp[0:2], seq)
	binary.LittleEndian.PutUint32(resp[2:6], connID)
	resp = append(resp, c.store.CurrentInputAssembly()...)

	if _, err := c.conn.WriteToUDP(resp, addr); err != nil {
		c.log.Debug("cyclic write failed", zap.Error(err))
	}
}

// pruneExpired closes any connection idle longer than 4*RPI, per the
// connection state machine's idle-timeout rule.
func (c *CyclicServer) pruneExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		if now.Sub(conn.lastUpdate) > 4*conn.rpi {
			delete(c.conns, id)
		}
	}
}

// Close stops the datagram channel.
func (c *CyclicServer) Close() error {
	return c.conn.Close()
}
