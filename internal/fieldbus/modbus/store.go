package modbus

import (
	"sync"

	"github.com/zonewatch/zonewatch/internal/zones"
)

// ControlHandlers are invoked when a client writes to a reserved control
// register. They run with the data store's lock released, so a handler is
// free to call back into the evaluator (which takes its own lock) without
// risking re-entrant deadlock.
type ControlHandlers struct {
	ResetStatistics  func()
	SetActiveProduct func(id string) bool
}

// DataStore is the publisher's mutex-guarded register/coil snapshot. Each
// new verdict replaces the whole snapshot in one critical section, so a
// concurrent reader never observes a half-written zone.
type DataStore struct {
	mu         sync.RWMutex
	regs       [holdingRegisterSpace]uint16
	coils      [coilSpace]bool
	productIDs map[string]uint16 // stable per-product numeric id for the register map
	nextID     uint16
	zoneIDs    map[string]uint16 // stable per-zone numeric id, distinct from block position
	nextZoneID uint16

	handlers ControlHandlers
}

// NewDataStore returns an empty DataStore. handlers wires the control
// registers (900 reset-stats, 901 activate-product) to the evaluator.
func NewDataStore(handlers ControlHandlers) *DataStore {
	return &DataStore{
		productIDs: make(map[string]uint16),
		zoneIDs:    make(map[string]uint16),
		handlers:   handlers,
	}
}

// idForLocked returns the stable numeric id assigned to productID, assigning
// a new one on first sight. Must be called with mu held.
func (s *DataStore) idForLocked(productID string) uint16 {
	if id, ok := s.productIDs[productID]; ok {
		return id
	}
	id := s.nextID
	s.productIDs[productID] = id
	s.nextID++
	return id
}

// zoneIDForLocked is idForLocked's per-zone counterpart: the register map's
// zone-id field carries this stable number, not the zone's position within
// the block layout. Must be called with mu held.
func (s *DataStore) zoneIDForLocked(zoneID string) uint16 {
	if id, ok := s.zoneIDs[zoneID]; ok {
		return id
	}
	id := s.nextZoneID
	s.zoneIDs[zoneID] = id
	s.nextZoneID++
	return id
}

// OnVerdict is the zones.ResultCallback this publisher subscribes with: it
// rebuilds the full register/coil snapshot from the latest verdict and
// statistics in one locked pass.
func (s *DataStore) OnVerdict(product zones.ProductConfig, stats zones.Statistics) {
	s.mu.Lock()
	s.idForLocked(product.ID)
	for _, zone := range product.Zones {
		s.zoneIDForLocked(zone.ID)
	}
	regs, coils := buildSnapshot(product, stats, s.productIDs, s.zoneIDs)
	s.regs = regs
	s.coils = coils
	s.mu.Unlock()
}

// ReadHoldingRegisters returns a copy of count registers starting at addr,
// or ok=false if the range is out of bounds.
func (s *DataStore) ReadHoldingRegisters(addr, count uint16) ([]uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(addr)+int(count) > len(s.regs) {
		return nil, false
	}
	out := make([]uint16, count)
	copy(out, s.regs[addr:int(addr)+int(count)])
	return out, true
}

// ReadCoils returns a copy of count coils starting at addr, or ok=false if
// the range is out of bounds.
func (s *DataStore) ReadCoils(addr, count uint16) ([]bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(addr)+int(count) > len(s.coils) {
		return nil, false
	}
	out := make([]bool, count)
	copy(out, s.coils[addr:int(addr)+int(count)])
	return out, true
}

// WriteSingleCoil sets one coil. Coil space here is a read mirror of
// evaluator state with no writable control coils, so this always succeeds
// within bounds and is overwritten by the next verdict.
func (s *DataStore) WriteSingleCoil(addr uint16, value bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) >= len(s.coils) {
		return false
	}
	s.coils[addr] = value
	return true
}

// WriteSingleRegister writes one holding register. Addresses 900 and 901
// are control registers: the write is applied to the snapshot as usual, and
// the matching handler is invoked after the lock is released (control logic
// runs outside the lock to avoid re-entrant deadlock with OnVerdict, which
// also wants the lock).
func (s *DataStore) WriteSingleRegister(addr, value uint16) bool {
	var fireReset bool
	var activateID uint16
	var fireActivate bool

	s.mu.Lock()
	if int(addr) >= len(s.regs) {
		s.mu.Unlock()
		return false
	}
	s.regs[addr] = value
	switch addr {
	case regResetStats:
		if value != 0 {
			fireReset = true
		}
	case regActivateProduct:
		fireActivate = true
		activateID = value
	}
	s.mu.Unlock()

	if fireReset && s.handlers.ResetStatistics != nil {
		s.handlers.ResetStatistics()
	}
	if fireActivate && s.handlers.SetActiveProduct != nil {
		s.mu.RLock()
		var target string
		for pid, num := range s.productIDs {
			if num == activateID {
				target = pid
				break
			}
		}
		s.mu.RUnlock()
		if target != "" {
			s.handlers.SetActiveProduct(target)
		}
	}
	return true
}

// WriteMultipleRegisters writes count contiguous registers starting at addr.
func (s *DataStore) WriteMultipleRegisters(addr uint16, values []uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(values) > len(s.regs) {
		return false
	}
	for i, v := range values {
		s.regs[int(addr)+i] = v
	}
	return true
}
