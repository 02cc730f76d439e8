// Package modbus serves a Modbus-TCP-shaped register/coil map over a
// connection-oriented stream socket: the latest verdict and statistics are
// published as 16-bit holding registers and coils for polling PLCs.
package modbus

import (
	"math"

	"github.com/zonewatch/zonewatch/internal/zones"
)

// Function codes this publisher implements.
const (
	FuncReadCoils       = 0x01
	FuncReadHoldingRegs = 0x03
	FuncWriteSingleCoil = 0x05
	FuncWriteSingleReg  = 0x06
	FuncWriteMultiRegs  = 0x10
)

// MaxPublishedZones is the number of zones exposed via the register map per
// product; extra zones are still evaluated but not published.
const MaxPublishedZones = 16

// Register map offsets (decimal, within the holding-register space).
const (
	regSystemStatus     = 0
	regActiveProductID  = 1
	regAggregateVerdict = 2
	regZoneCount        = 3
	regEvalCountHi      = 4
	regEvalCountLo      = 5
	regGoodCountHi      = 6
	regGoodCountLo      = 7
	regBadCountHi       = 8
	regBadCountLo       = 9

	zoneBlockBase   = 100
	zoneBlockStride = 100

	regResetStats      = 900
	regActivateProduct = 901
)

// Per-zone block layout (offsets relative to zoneBlockBase + z*zoneBlockStride).
const (
	zoneOffID            = 0
	zoneOffEnabled       = 1
	zoneOffVerdict       = 2
	zoneOffInTolerance   = 3
	zoneOffMeasurementHi = 4
	zoneOffMeasurementLo = 5
	zoneOffExpectedHi    = 6
	zoneOffExpectedLo    = 7
	zoneOffTolPlusHi     = 8
	zoneOffTolPlusLo     = 9
	zoneOffTolMinusHi    = 10
	zoneOffTolMinusLo    = 11
	zoneOffPointCountHi  = 12
	zoneOffPointCountLo  = 13
)

// Coil offsets.
const (
	coilSystemRunning = 0
	coilOverallGood   = 1
	coilOverallBad    = 2
	coilZoneGoodBase  = 10
	coilZoneBadBase   = 30
)

const holdingRegisterSpace = zoneBlockBase + MaxPublishedZones*zoneBlockStride
const coilSpace = 64

// splitU32 splits v into big-endian (hi, lo) 16-bit halves, matching the
// register map's "u32 split high-word / low-word" convention.
func splitU32(v uint32) (hi, lo uint16) {
	return uint16(v >> 16), uint16(v)
}

// joinU32 is the inverse of splitU32: value == (hi<<16)|lo.
func joinU32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// splitF32 reinterprets f's IEEE-754 bits as a u32 and splits it the same
// way splitU32 does.
func splitF32(f float64) (hi, lo uint16) {
	return splitU32(math.Float32bits(float32(f)))
}

func verdictCode(v zones.Verdict) uint16 {
	return uint16(v)
}

// buildSnapshot renders product+stats into the full register and coil
// arrays this publisher serves, matching the register map in the component
// design. Called with the data store's lock held.
func buildSnapshot(product zones.ProductConfig, stats zones.Statistics, productIDs, zoneIDs map[string]uint16) (regs [holdingRegisterSpace]uint16, coils [coilSpace]bool) {
	coils[coilSystemRunning] = true

	regs[regSystemStatus] = 1
	regs[regActiveProductID] = productIDs[product.ID]
	regs[regAggregateVerdict] = verdictCode(product.LastVerdict)

	published := product.Zones
	if len(published) > MaxPublishedZones {
		published = published[:MaxPublishedZones]
	}
	regs[regZoneCount] = uint16(len(published))

	evalHi, evalLo := splitU32(uint32(stats.EvaluationCount))
	regs[regEvalCountHi], regs[regEvalCountLo] = evalHi, evalLo
	goodHi, goodLo := splitU32(uint32(stats.GoodCount))
	regs[regGoodCountHi], regs[regGoodCountLo] = goodHi, goodLo
	badHi, badLo := splitU32(uint32(stats.BadCount))
	regs[regBadCountHi], regs[regBadCountLo] = badHi, badLo

	if product.LastVerdict == zones.VerdictGood {
		coils[coilOverallGood] = true
	} else {
		coils[coilOverallBad] = true
	}

	for z, zone := range published {
		base := zoneBlockBase + z*zoneBlockStride
		regs[base+zoneOffID] = zoneIDs[zone.ID]
		if zone.Enabled {
			regs[base+zoneOffEnabled] = 1
		}
		regs[base+zoneOffVerdict] = verdictCode(zone.LastVerdict)

		inTolerance := zone.LastVerdict == zones.VerdictGood
		if inTolerance {
			regs[base+zoneOffInTolerance] = 1
		}

		mHi, mLo := splitF32(zone.LastMeasurement)
		regs[base+zoneOffMeasurementHi], regs[base+zoneOffMeasurementLo] = mHi, mLo
		eHi, eLo := splitF32(zone.Expected)
		regs[base+zoneOffExpectedHi], regs[base+zoneOffExpectedLo] = eHi, eLo
		tpHi, tpLo := splitF32(zone.TolPlus)
		regs[base+zoneOffTolPlusHi], regs[base+zoneOffTolPlusLo] = tpHi, tpLo
		tmHi, tmLo := splitF32(zone.TolMinus)
		regs[base+zoneOffTolMinusHi], regs[base+zoneOffTolMinusLo] = tmHi, tmLo
		pcHi, pcLo := splitU32(uint32(zone.LastPointCount))
		regs[base+zoneOffPointCountHi], regs[base+zoneOffPointCountLo] = pcHi, pcLo

		if z < 16 {
			coils[coilZoneGoodBase+z] = zone.LastVerdict == zones.VerdictGood
			coils[coilZoneBadBase+z] = zone.LastVerdict == zones.VerdictBad
		}
	}

	return regs, coils
}
