// Package simulate provides an interface-compatible scan source used in
// place of live UDP ingest for demos and tests. Only the interface it
// exposes to the rest of the pipeline is specified; the waveform it
// synthesizes is not product behavior.
package simulate

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zonewatch/zonewatch/internal/ingest"
	"github.com/zonewatch/zonewatch/internal/telegram"
)

// Source is a Scan generator that feeds the same bounded handoff queue as
// live ingest, so the Evaluator, Publishers, and Live Broadcast never
// distinguish simulated from real scans. It implements ingest.Source.
type Source struct {
	rate  float64 // scans/second
	rng   *rand.Rand
	scans chan telegram.Scan
}

var _ ingest.Source = (*Source)(nil)

// New returns a Source that will produce scans at rate scans/second once
// Run is called. seed makes the synthesized waveform reproducible for
// tests; pass a time-derived seed in production wiring.
func New(rate float64, seed int64) *Source {
	return &Source{
		rate:  rate,
		rng:   rand.New(rand.NewSource(seed)),
		scans: make(chan telegram.Scan, ingest.QueueSize),
	}
}

// Scans implements ingest.Source.
func (s *Source) Scans() <-chan telegram.Scan {
	return s.scans
}

// Run produces scans on a ticker until ctx is cancelled, enqueueing each
// through the same drop-oldest discipline as live ingest.
func (s *Source) Run(ctx context.Context) {
	defer close(s.scans)

	interval := time.Second
	if s.rate > 0 {
		interval = time.Duration(float64(time.Second) / s.rate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sequence uint16
	var timestamp uint32

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan := s.generateScan(sequence, timestamp)
			s.enqueue(scan)
			sequence++
			timestamp += uint32(interval.Microseconds())
		}
	}
}

func (s *Source) enqueue(scan telegram.Scan) {
	select {
	case s.scans <- scan:
	default:
		select {
		case <-s.scans:
		default:
		}
		select {
		case s.scans <- scan:
		default:
		}
	}
}

const (
	startAngle  = -137.5
	endAngle    = 137.5
	angularStep = 0.25
)

// generateScan synthesizes a plausible scan: a baseline distance per layer
// with Gaussian noise, standing in for a real rangefinder sweep.
func (s *Source) generateScan(sequence uint16, timestamp uint32) telegram.Scan {
	pointCount := int(math.Round((endAngle-startAngle)/angularStep)) + 1

	scan := telegram.Scan{
		Timestamp:      timestamp,
		SequenceNumber: sequence,
		Frequency:      12.5,
		StartAngle:     startAngle,
		AngularStep:    angularStep,
		PointCount:     pointCount,
		PointsByLayer:  make([][]telegram.ScanPoint, telegram.LayerCount),
	}

	for layer := 0; layer < telegram.LayerCount; layer++ {
		points := make([]telegram.ScanPoint, pointCount)
		for i := 0; i < pointCount; i++ {
			angle := startAngle + float64(i)*angularStep
			distance := s.baselineDistance(angle) + s.rng.NormFloat64()*0.02
			if distance < 0.1 {
				distance = 0.1
			}
			strength := uint8(180 - int(distance/64.0*150))
			points[i] = telegram.ScanPoint{
				Distance: distance,
				AngleH:   angle,
				AngleV:   telegram.LayerAngles[layer],
				Strength: strength,
				Layer:    layer,
			}
		}
		scan.PointsByLayer[layer] = points
	}

	return scan
}

// baselineDistance returns a smooth per-angle distance with a simulated
// obstacle directly ahead, standing in for a real scene.
func (s *Source) baselineDistance(angle float64) float64 {
	if angle > -15 && angle < 15 {
		return 2.0
	}
	if angle >= -60 && angle <= -30 {
		return 3.0
	}
	if angle >= 30 && angle <= 60 {
		return 3.0
	}
	return 8.0
}

// Close is a no-op: Run's ctx cancellation is what actually stops
// generation; Close exists to satisfy ingest.Source.
func (s *Source) Close() error {
	return nil
}
