// Package ingest owns the UDP socket the sensor sends telegrams to, feeds
// received bytes through a Framer and Parser, and hands decoded scans off to
// the evaluator through a bounded, drop-oldest queue.
package ingest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/zonewatch/zonewatch/internal/telegram"
	"go.uber.org/zap"
)

// QueueSize is the ingest-to-evaluate handoff queue's capacity. On overflow
// the oldest queued scan is dropped before the new one is enqueued: the
// system favors recency over completeness for real-time control.
const QueueSize = 100

// Source produces decoded scans. Both the live UDP Ingest and
// internal/simulate implement it, so the Evaluator never distinguishes
// simulated from real data.
type Source interface {
	// Scans returns a channel of decoded scans that is closed when the
	// source stops (ctx cancellation or a fatal error).
	Scans() <-chan telegram.Scan
	// Close stops the source and releases its resources.
	Close() error
}

// Ingest owns a UDP socket, an optional source-IP allowlist, and the single
// Framer/Parser pipeline that decodes its byte stream. It is the only writer
// of the Framer's buffer and the only suspension point for live data, per
// the ownership rule.
type Ingest struct {
	conn     *net.UDPConn
	sourceIP net.IP
	framer   *telegram.Framer
	parser   *telegram.Parser
	log      *zap.Logger
	scans    chan telegram.Scan
	errors   uint64
	dropped  uint64
	filtered uint64
}

// Config configures an Ingest.
type Config struct {
	Host     string // bind host, "" = all interfaces
	Port     int
	SourceIP string // optional dotted-quad filter; "" disables filtering
}

// New binds the UDP socket and returns an Ingest ready to Run. A bind
// failure is fatal per the error handling design (caller should treat it as
// a fatal startup failure).
func New(cfg Config, log *zap.Logger) (*Ingest, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("resolving ingest bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding ingest socket: %w", err)
	}

	var sourceIP net.IP
	if cfg.SourceIP != "" {
		sourceIP = net.ParseIP(cfg.SourceIP)
		if sourceIP == nil {
			conn.Close()
			return nil, fmt.Errorf("invalid sensor source IP filter %q", cfg.SourceIP)
		}
	}

	return &Ingest{
		conn:     conn,
		sourceIP: sourceIP,
		framer:   telegram.NewFramer(),
		parser:   telegram.NewParser(),
		log:      log,
		scans:    make(chan telegram.Scan, QueueSize),
	}, nil
}

// Scans implements Source.
func (in *Ingest) Scans() <-chan telegram.Scan {
	return in.scans
}

// Run blocks, reading datagrams until ctx is cancelled or the socket is
// closed. It is the only goroutine that touches the Framer buffer or the
// socket's read path, matching the ingest thread ownership rule: the only
// suspension point for live data.
func (in *Ingest) Run(ctx context.Context) {
	defer close(in.scans)

	go func() {
		<-ctx.Done()
		in.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, addr, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			atomic.AddUint64(&in.errors, 1)
			in.log.Debug("udp read error", zap.Error(err))
			continue
		}

		if in.sourceIP != nil {
			if !addr.IP.Equal(in.sourceIP) {
				atomic.AddUint64(&in.filtered, 1)
				continue
			}
		}

		payloads := in.framer.Feed(buf[:n])
		for _, payload := range payloads {
			scan, err := in.parser.Parse(payload)
			if err != nil {
				atomic.AddUint64(&in.errors, 1)
				in.log.Debug("telegram parse error", zap.Error(err))
				continue
			}
			in.enqueue(scan)
		}
	}
}

// enqueue hands a decoded scan to the bounded queue, dropping the oldest
// queued scan on overflow rather than blocking the ingest thread.
func (in *Ingest) enqueue(scan telegram.Scan) {
	select {
	case in.scans <- scan:
	default:
		select {
		case <-in.scans:
			atomic.AddUint64(&in.dropped, 1)
		default:
		}
		select {
		case in.scans <- scan:
		default:
		}
	}
}

// Errors returns the running count of transient I/O and parse errors.
func (in *Ingest) Errors() uint64 {
	return atomic.LoadUint64(&in.errors)
}

// Dropped returns the running count of scans discarded to relieve queue
// overflow.
func (in *Ingest) Dropped() uint64 {
	return atomic.LoadUint64(&in.dropped)
}

// Filtered returns the running count of datagrams rejected by the source-IP
// filter.
func (in *Ingest) Filtered() uint64 {
	return atomic.LoadUint64(&in.filtered)
}

// Close closes the UDP socket, unblocking any in-flight ReadFromUDP.
func (in *Ingest) Close() error {
	return in.conn.Close()
}
