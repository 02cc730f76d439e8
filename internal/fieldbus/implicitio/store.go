package implicitio

import (
	"sync"
	"time"

	"github.com/zonewatch/zonewatch/internal/zones"
)

// Store holds the latest encoded input assembly and dispatches decoded
// output assemblies to a registered callback. It is the seam between the
// Evaluator's verdict callback and the cyclic datagram channel.
type Store struct {
	mu         sync.RWMutex
	input      InputAssembly
	productIDs map[string]uint8
	nextID     uint8
	startedAt  time.Time

	onOutput func(OutputAssembly)
}

// NewStore returns a Store that timestamps assemblies relative to now.
func NewStore() *Store {
	return &Store{
		productIDs: make(map[string]uint8),
		startedAt:  time.Now(),
	}
}

// SetOutputCallback registers the function invoked whenever a cyclic
// datagram delivers a new output assembly from a consumer.
func (s *Store) SetOutputCallback(cb func(OutputAssembly)) {
	s.mu.Lock()
	s.onOutput = cb
	s.mu.Unlock()
}

func (s *Store) numForLocked(productID string) uint8 {
	if id, ok := s.productIDs[productID]; ok {
		return id
	}
	id := s.nextID
	s.productIDs[productID] = id
	s.nextID++
	return id
}

// OnVerdict is the zones.ResultCallback this publisher subscribes with. The
// scan's own min/max distance is not part of the verdict callback's
// contract, so it is approximated here from the spread of zone
// measurements — the closest and farthest zone readings in the current
// product, which is the information actually available at this seam.
func (s *Store) OnVerdict(product zones.ProductConfig, stats zones.Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	num := s.numForLocked(product.ID)
	minM, maxM := 0.0, 0.0
	first := true
	for _, z := range product.Zones {
		if !z.Enabled || z.LastVerdict == zones.VerdictNoTarget {
			continue
		}
		if first {
			minM, maxM = z.LastMeasurement, z.LastMeasurement
			first = false
			continue
		}
		if z.LastMeasurement < minM {
			minM = z.LastMeasurement
		}
		if z.LastMeasurement > maxM {
			maxM = z.LastMeasurement
		}
	}

	elapsed := uint32(time.Since(s.startedAt).Milliseconds())
	s.input = BuildInputAssembly(product, stats, num, elapsed, minM, maxM)
}

// CurrentInputAssembly returns a copy of the current input assembly bytes.
func (s *Store) CurrentInputAssembly() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input.Encode()
}

// HandleOutput decodes an inbound output assembly and invokes the
// registered callback, if any.
func (s *Store) HandleOutput(data []byte) {
	out := DecodeOutputAssembly(data)
	s.mu.RLock()
	cb := s.onOutput
	s.mu.RUnlock()
	if cb != nil {
		cb(out)
	}
}
