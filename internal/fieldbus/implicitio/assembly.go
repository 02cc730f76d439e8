package implicitio

import (
	"encoding/binary"
	"math"

	"github.com/zonewatch/zonewatch/internal/zones"
)

// OutputAssemblySize and InputAssemblySize are the fixed byte layouts
// exchanged cyclically on the datagram channel.
const (
	OutputAssemblySize = 32
	InputAssemblySize  = 64
)

// OutputAssembly is the consumer-to-device assembly: a control command plus
// up to two zones' live-tunable expected distance/tolerance, in millimeters.
type OutputAssembly struct {
	Command        uint8 // 0=none, 1=reset-stats, 2=change-product
	ProductID      uint8
	Zone1Expected  int32 // mm
	Zone1Tolerance int32 // mm
	Zone2Expected  int32 // mm
	Zone2Tolerance int32 // mm
}

// DecodeOutputAssembly parses a 32-byte little-endian output assembly.
func DecodeOutputAssembly(b []byte) OutputAssembly {
	var a OutputAssembly
	if len(b) < OutputAssemblySize {
		return a
	}
	a.Command = b[0]
	a.ProductID = b[1]
	a.Zone1Expected = int32(binary.LittleEndian.Uint32(b[4:8]))
	a.Zone1Tolerance = int32(binary.LittleEndian.Uint32(b[8:12]))
	a.Zone2Expected = int32(binary.LittleEndian.Uint32(b[12:16]))
	a.Zone2Tolerance = int32(binary.LittleEndian.Uint32(b[16:20]))
	return a
}

// InputAssembly is the device-to-consumer assembly: status, active verdict,
// running statistics, and up to four zones' live measurement/verdict.
type InputAssembly struct {
	Status           uint8 // 0 offline, 1 running, 2 error, 3 sim
	ActiveProductID  uint8
	AggregateVerdict uint8
	ZoneCount        uint8
	ScanCounter      uint32
	GoodCount        uint32
	BadCount         uint32
	GoodRateX10000   uint32
	ZoneMeasurement  [4]uint32 // mm
	ZoneVerdict      [4]uint32
	TimestampMs      uint32
	MinDistanceMm    uint32
	MaxDistanceMm    uint32
}

// Encode renders the assembly into its fixed 64-byte little-endian layout.
func (a InputAssembly) Encode() []byte {
	b := make([]byte, InputAssemblySize)
	b[0] = a.Status
	b[1] = a.ActiveProductID
	b[2] = a.AggregateVerdict
	b[3] = a.ZoneCount
	binary.LittleEndian.PutUint32(b[4:8], a.ScanCounter)
	binary.LittleEndian.PutUint32(b[8:12], a.GoodCount)
	binary.LittleEndian.PutUint32(b[12:16], a.BadCount)
	binary.LittleEndian.PutUint32(b[16:20], a.GoodRateX10000)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[20+i*8:24+i*8], a.ZoneMeasurement[i])
		binary.LittleEndian.PutUint32(b[24+i*8:28+i*8], a.ZoneVerdict[i])
	}
	binary.LittleEndian.PutUint32(b[52:56], a.TimestampMs)
	binary.LittleEndian.PutUint32(b[56:60], a.MinDistanceMm)
	binary.LittleEndian.PutUint32(b[60:64], a.MaxDistanceMm)
	return b
}

// BuildInputAssembly renders product+stats into the input assembly, scaling
// meters to millimeters and the good-rate to a fixed-point x10000 integer.
func BuildInputAssembly(product zones.ProductConfig, stats zones.Statistics, productNum uint8, elapsedMs uint32, minDistM, maxDistM float64) InputAssembly {
	a := InputAssembly{
		Status:           1,
		ActiveProductID:  productNum,
		AggregateVerdict: uint8(product.LastVerdict),
		ScanCounter:      uint32(stats.EvaluationCount),
		GoodCount:        uint32(stats.GoodCount),
		BadCount:         uint32(stats.BadCount),
		GoodRateX10000:   uint32(math.Round(stats.GoodRate() * 10000)),
		TimestampMs:      elapsedMs,
		MinDistanceMm:    uint32(math.Round(minDistM * 1000)),
		MaxDistanceMm:    uint32(math.Round(maxDistM * 1000)),
	}
	zoneCount := len(product.Zones)
	if zoneCount > 4 {
		zoneCount = 4
	}
	a.ZoneCount = uint8(len(product.Zones))
	for i := 0; i < zoneCount; i++ {
		z := product.Zones[i]
		a.ZoneMeasurement[i] = uint32(math.Round(z.LastMeasurement * 1000))
		a.ZoneVerdict[i] = uint32(z.LastVerdict)
	}
	return a
}
