// Package zones implements the per-zone measurement evaluator: it turns a
// decoded scan into pass/fail verdicts against a configurable product
// catalog, maintains running statistics, and persists the catalog through
// the catalogstore interface.
package zones

import "time"

// Verdict is a closed tagged variant for a pass/fail outcome. Preserved as
// named integer constants rather than a string to mirror how the measurement
// source represents it.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictGood
	VerdictBad
	VerdictNoTarget
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictGood:
		return "GOOD"
	case VerdictBad:
		return "BAD"
	case VerdictNoTarget:
		return "NO_TARGET"
	case VerdictError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Statistic selects which summary statistic a zone uses to reduce its
// collected distances to a single measurement.
type Statistic string

const (
	StatisticMedian Statistic = "median"
	StatisticMean   Statistic = "mean"
)

// MeasurementZone is an angular wedge with a distance acceptance rule.
type MeasurementZone struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	StartAngle float64 `json:"start_angle"`
	EndAngle   float64 `json:"end_angle"`
	Layers     []int   `json:"layers"`

	Expected  float64 `json:"expected"`
	TolPlus   float64 `json:"tol_plus"`
	TolMinus  float64 `json:"tol_minus"`
	MinValid  float64 `json:"min_valid"`
	MaxValid  float64 `json:"max_valid"`
	MinPoints int     `json:"min_points"`

	Statistic        Statistic `json:"statistic"`
	RejectOutliers   bool      `json:"reject_outliers"`
	OutlierStdFactor float64   `json:"outlier_std_factor"`

	// Mutable result cache, updated by the last evaluation.
	LastMeasurement float64   `json:"last_measurement"`
	LastVerdict     Verdict   `json:"last_verdict"`
	LastUpdate      time.Time `json:"last_update"`
	LastPointCount  int       `json:"last_point_count"`
}

// ProductConfig is an ordered sequence of zones plus product-level metadata.
type ProductConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Enabled     bool              `json:"enabled"`
	Zones       []MeasurementZone `json:"zones"`

	LastVerdict Verdict   `json:"last_verdict"`
	LastUpdate  time.Time `json:"last_update"`
}

// Statistics holds monotone evaluation counters.
type Statistics struct {
	EvaluationCount uint64 `json:"evaluation_count"`
	GoodCount       uint64 `json:"good_count"`
	BadCount        uint64 `json:"bad_count"`
}

// GoodRate returns the fraction of evaluations that were GOOD, or 0 if none
// have happened yet.
func (s Statistics) GoodRate() float64 {
	if s.EvaluationCount == 0 {
		return 0
	}
	return float64(s.GoodCount) / float64(s.EvaluationCount)
}

// CatalogDocument is the on-disk shape of the persisted catalog: an active
// product selector plus the full set of known products.
type CatalogDocument struct {
	ActiveProductID string          `json:"active_product_id"`
	Products        []ProductConfig `json:"products"`
}

// ExampleProduct returns the seed product used when the persisted catalog is
// absent or empty, matching the reference three-zone layout.
func ExampleProduct() ProductConfig {
	return ProductConfig{
		ID:      "example",
		Name:    "Example Product",
		Enabled: true,
		Zones: []MeasurementZone{
			{
				ID: "front-center", Name: "Front Center", Enabled: true,
				StartAngle: -15, EndAngle: 15, Layers: []int{0, 1, 2, 3},
				Expected: 2.0, TolPlus: 0.1, TolMinus: 0.1,
				MinValid: 0.05, MaxValid: 10.0, MinPoints: 3,
				Statistic: StatisticMedian, RejectOutliers: true, OutlierStdFactor: 2.0,
			},
			{
				ID: "left-side", Name: "Left Side", Enabled: true,
				StartAngle: -60, EndAngle: -30, Layers: []int{0, 1, 2, 3},
				Expected: 3.0, TolPlus: 0.15, TolMinus: 0.15,
				MinValid: 0.05, MaxValid: 10.0, MinPoints: 3,
				Statistic: StatisticMedian, RejectOutliers: true, OutlierStdFactor: 2.0,
			},
			{
				ID: "right-side", Name: "Right Side", Enabled: true,
				StartAngle: 30, EndAngle: 60, Layers: []int{0, 1, 2, 3},
				Expected: 3.0, TolPlus: 0.15, TolMinus: 0.15,
				MinValid: 0.05, MaxValid: 10.0, MinPoints: 3,
				Statistic: StatisticMedian, RejectOutliers: true, OutlierStdFactor: 2.0,
			},
		},
	}
}
