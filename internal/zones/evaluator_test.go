package zones

import (
	"math"
	"sync"
	"testing"

	"github.com/zonewatch/zonewatch/internal/telegram"
	"go.uber.org/zap"
)

// memPersister is an in-memory zones.Persister for tests.
type memPersister struct {
	mu    sync.Mutex
	doc   CatalogDocument
	saves int
}

func (m *memPersister) Load() (CatalogDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, nil
}

func (m *memPersister) Save(doc CatalogDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	m.saves++
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// scanWithDistances builds a scan whose layer-0 points sit at 0°, 1°, 2°, …
// with the given distances.
func scanWithDistances(distances ...float64) telegram.Scan {
	points := make([]telegram.ScanPoint, len(distances))
	for i, d := range distances {
		points[i] = telegram.ScanPoint{Distance: d, AngleH: float64(i), Layer: 0}
	}
	scan := telegram.Scan{
		PointCount:    len(points),
		AngularStep:   1,
		PointsByLayer: make([][]telegram.ScanPoint, telegram.LayerCount),
	}
	scan.PointsByLayer[0] = points
	return scan
}

// singleZoneProduct wraps one zone in an enabled product covering angles
// 0..360 on layer 0 with a wide valid-distance clip.
func singleZoneProduct(zone MeasurementZone) ProductConfig {
	zone.ID = "z1"
	zone.Enabled = true
	zone.StartAngle = 0
	zone.EndAngle = 360
	zone.Layers = []int{0}
	if zone.MaxValid == 0 {
		zone.MaxValid = 100
	}
	return ProductConfig{ID: "p1", Name: "Test", Enabled: true, Zones: []MeasurementZone{zone}}
}

func newTestEvaluator(t *testing.T, product ProductConfig) (*Evaluator, *memPersister) {
	t.Helper()
	p := &memPersister{doc: CatalogDocument{
		ActiveProductID: product.ID,
		Products:        []ProductConfig{product},
	}}
	e, err := NewEvaluator(p, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e, p
}

func TestBoundaryMeasurementIsGood(t *testing.T) {
	// A measurement exactly on the upper tolerance bound is GOOD.
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))

	product, ok := e.Evaluate(scanWithDistances(1.050))
	if !ok {
		t.Fatal("expected evaluation to run")
	}
	zone := product.Zones[0]
	if zone.LastVerdict != VerdictGood {
		t.Errorf("verdict: got %v, want GOOD", zone.LastVerdict)
	}
	if math.Abs(zone.LastMeasurement-1.050) > 1e-9 {
		t.Errorf("measurement: got %v, want 1.050", zone.LastMeasurement)
	}
	if product.LastVerdict != VerdictGood {
		t.Errorf("product verdict: got %v, want GOOD", product.LastVerdict)
	}
}

func TestLowerBoundaryIsGood(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))
	product, _ := e.Evaluate(scanWithDistances(0.950))
	if product.Zones[0].LastVerdict != VerdictGood {
		t.Errorf("verdict at lower bound: got %v, want GOOD", product.Zones[0].LastVerdict)
	}
}

func TestOutOfToleranceIsBad(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))
	product, _ := e.Evaluate(scanWithDistances(1.051))
	if product.Zones[0].LastVerdict != VerdictBad {
		t.Errorf("verdict: got %v, want BAD", product.Zones[0].LastVerdict)
	}
	stats := e.Statistics()
	if stats.BadCount != 1 || stats.GoodCount != 0 || stats.EvaluationCount != 1 {
		t.Errorf("stats after BAD: %+v", stats)
	}
}

func TestNoQualifyingPointsIsNoTarget(t *testing.T) {
	// Zero qualifying points: zone NO_TARGET, product verdict BAD,
	// bad_count incremented.
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))

	scan := telegram.Scan{PointsByLayer: make([][]telegram.ScanPoint, telegram.LayerCount)}
	product, ok := e.Evaluate(scan)
	if !ok {
		t.Fatal("expected evaluation to run")
	}
	zone := product.Zones[0]
	if zone.LastVerdict != VerdictNoTarget {
		t.Errorf("zone verdict: got %v, want NO_TARGET", zone.LastVerdict)
	}
	if zone.LastMeasurement != 0 {
		t.Errorf("measurement: got %v, want 0", zone.LastMeasurement)
	}
	if product.LastVerdict != VerdictBad {
		t.Errorf("product verdict: got %v, want BAD", product.LastVerdict)
	}
	stats := e.Statistics()
	if stats.BadCount != 1 {
		t.Errorf("bad count: got %d, want 1", stats.BadCount)
	}
}

func TestMedianOfFour(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.15, TolPlus: 0.5, TolMinus: 0.5,
		MinPoints: 1, Statistic: StatisticMedian,
	}))
	product, _ := e.Evaluate(scanWithDistances(1.0, 1.1, 1.2, 1.3))
	if got := product.Zones[0].LastMeasurement; math.Abs(got-1.15) > 1e-9 {
		t.Errorf("median: got %v, want 1.15", got)
	}
}

func TestOutlierRejection(t *testing.T) {
	// A tight cluster plus one far point: the far point falls outside
	// 2 standard deviations of the mean and is rejected; the measurement is
	// the cluster's mean.
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.2, TolMinus: 0.2,
		MinPoints: 1, Statistic: StatisticMean,
		RejectOutliers: true, OutlierStdFactor: 2.0,
	}))
	product, _ := e.Evaluate(scanWithDistances(1.00, 1.01, 1.02, 1.00, 1.01, 1.02, 5.00))
	got := product.Zones[0].LastMeasurement
	if math.Abs(got-1.01) > 1e-9 {
		t.Errorf("measurement after rejection: got %v, want 1.01", got)
	}
	if product.Zones[0].LastPointCount != 6 {
		t.Errorf("surviving point count: got %d, want 6", product.Zones[0].LastPointCount)
	}
}

func TestOutlierRejectionSkippedOnTightCluster(t *testing.T) {
	// Standard deviation below the noise floor: rejection is skipped and
	// every point survives.
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 4, Statistic: StatisticMean,
		RejectOutliers: true, OutlierStdFactor: 2.0,
	}))
	product, _ := e.Evaluate(scanWithDistances(1.0, 1.0, 1.0, 1.0))
	if product.Zones[0].LastVerdict != VerdictGood {
		t.Errorf("verdict: got %v, want GOOD", product.Zones[0].LastVerdict)
	}
	if product.Zones[0].LastPointCount != 4 {
		t.Errorf("point count: got %d, want 4", product.Zones[0].LastPointCount)
	}
}

func TestMinPointsAfterRejectionIsNoTarget(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.2, TolMinus: 0.2,
		MinPoints: 7, Statistic: StatisticMean,
		RejectOutliers: true, OutlierStdFactor: 2.0,
	}))
	product, _ := e.Evaluate(scanWithDistances(1.00, 1.01, 1.02, 1.00, 1.01, 1.02, 5.00))
	if product.Zones[0].LastVerdict != VerdictNoTarget {
		t.Errorf("verdict: got %v, want NO_TARGET", product.Zones[0].LastVerdict)
	}
}

func TestValidDistanceClip(t *testing.T) {
	zone := MeasurementZone{
		Expected: 1.0, TolPlus: 0.1, TolMinus: 0.1,
		MinPoints: 1, Statistic: StatisticMean,
		MinValid: 0.5, MaxValid: 2.0,
	}
	e, _ := newTestEvaluator(t, singleZoneProduct(zone))
	// 0.1 and 9.0 fall outside the clip, only 1.0 qualifies.
	product, _ := e.Evaluate(scanWithDistances(0.1, 1.0, 9.0))
	if product.Zones[0].LastPointCount != 1 {
		t.Errorf("point count: got %d, want 1", product.Zones[0].LastPointCount)
	}
	if product.Zones[0].LastVerdict != VerdictGood {
		t.Errorf("verdict: got %v, want GOOD", product.Zones[0].LastVerdict)
	}
}

func TestStatisticsBalance(t *testing.T) {
	// good_count + bad_count == evaluation_count over a mixed sequence.
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))

	inputs := []float64{1.0, 2.0, 1.02, 0.5, 1.04, 3.0, 0.96}
	for _, d := range inputs {
		e.Evaluate(scanWithDistances(d))
	}

	stats := e.Statistics()
	if stats.EvaluationCount != uint64(len(inputs)) {
		t.Errorf("evaluation count: got %d, want %d", stats.EvaluationCount, len(inputs))
	}
	if stats.GoodCount+stats.BadCount != stats.EvaluationCount {
		t.Errorf("good %d + bad %d != evaluations %d", stats.GoodCount, stats.BadCount, stats.EvaluationCount)
	}
}

func TestDisabledZoneSkipped(t *testing.T) {
	product := singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	})
	product.Zones[0].Enabled = false

	e, _ := newTestEvaluator(t, product)
	// The only zone is disabled, so the product passes vacuously.
	updated, ok := e.Evaluate(scanWithDistances(99.0))
	if !ok {
		t.Fatal("expected evaluation to run")
	}
	if updated.LastVerdict != VerdictGood {
		t.Errorf("product verdict: got %v, want GOOD (vacuous)", updated.LastVerdict)
	}
}

func TestNoActiveProduct(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{MinPoints: 1, Statistic: StatisticMean}))
	e.RemoveProduct("p1")
	if _, ok := e.Evaluate(scanWithDistances(1.0)); ok {
		t.Error("expected no evaluation without an active product")
	}
	if e.Statistics().EvaluationCount != 0 {
		t.Error("statistics must not change when no evaluation runs")
	}
}

func TestSubscribersNotifiedAndPanicsIsolated(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))

	var got []Verdict
	e.Subscribe(func(product ProductConfig, stats Statistics) {
		panic("subscriber exploded")
	})
	e.Subscribe(func(product ProductConfig, stats Statistics) {
		got = append(got, product.LastVerdict)
	})

	if _, ok := e.Evaluate(scanWithDistances(1.0)); !ok {
		t.Fatal("expected evaluation to run despite panicking subscriber")
	}
	if len(got) != 1 || got[0] != VerdictGood {
		t.Errorf("second subscriber: got %v, want [GOOD]", got)
	}
}

func TestCatalogMutationsPersist(t *testing.T) {
	e, p := newTestEvaluator(t, singleZoneProduct(MeasurementZone{MinPoints: 1, Statistic: StatisticMean}))
	before := p.saveCount()

	newProduct := ProductConfig{ID: "p2", Name: "Second", Enabled: true}
	if err := e.AddProduct(newProduct); err != nil {
		t.Fatalf("AddProduct: %v", err)
	}
	if !e.SetActiveProduct("p2") {
		t.Fatal("SetActiveProduct failed")
	}
	if err := e.RemoveProduct("p1"); err != nil {
		t.Fatalf("RemoveProduct: %v", err)
	}

	if p.saveCount() != before+3 {
		t.Errorf("expected 3 synchronous saves, got %d", p.saveCount()-before)
	}
	if p.doc.ActiveProductID != "p2" {
		t.Errorf("persisted active product: got %q, want p2", p.doc.ActiveProductID)
	}
	if len(p.doc.Products) != 1 || p.doc.Products[0].ID != "p2" {
		t.Errorf("persisted products: %+v", p.doc.Products)
	}
}

func TestInvalidProductRejected(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{MinPoints: 1, Statistic: StatisticMean}))

	dup := ProductConfig{ID: "bad", Enabled: true, Zones: []MeasurementZone{
		{ID: "z", StartAngle: 0, EndAngle: 10},
		{ID: "z", StartAngle: 20, EndAngle: 30},
	}}
	if err := e.AddProduct(dup); err == nil {
		t.Error("expected rejection of duplicate zone ids")
	}

	inverted := ProductConfig{ID: "bad2", Enabled: true, Zones: []MeasurementZone{
		{ID: "z", StartAngle: 50, EndAngle: 10},
	}}
	if err := e.AddProduct(inverted); err == nil {
		t.Error("expected rejection of inverted zone bounds")
	}
}

func TestSeedsExampleProductWhenEmpty(t *testing.T) {
	p := &memPersister{}
	e, err := NewEvaluator(p, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	products := e.ListProducts()
	if len(products) != 1 {
		t.Fatalf("expected seeded example product, got %d products", len(products))
	}
	if e.ActiveProductID() != products[0].ID {
		t.Error("seeded product should be active")
	}
	if len(products[0].Zones) != 3 {
		t.Errorf("seeded product zones: got %d, want 3", len(products[0].Zones))
	}
}

func TestResetStatistics(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{
		Expected: 1.0, TolPlus: 0.05, TolMinus: 0.05,
		MinPoints: 1, Statistic: StatisticMean,
	}))
	e.Evaluate(scanWithDistances(1.0))
	e.Evaluate(scanWithDistances(2.0))

	e.ResetStatistics()
	if got := e.Statistics(); got != (Statistics{}) {
		t.Errorf("statistics after reset: %+v", got)
	}
}

func TestReplaceCatalogDropsInvalidProducts(t *testing.T) {
	e, _ := newTestEvaluator(t, singleZoneProduct(MeasurementZone{MinPoints: 1, Statistic: StatisticMean}))

	e.ReplaceCatalog(CatalogDocument{
		ActiveProductID: "good",
		Products: []ProductConfig{
			{ID: "good", Enabled: true},
			{ID: "broken", Zones: []MeasurementZone{{ID: "z", StartAngle: 10, EndAngle: 0}}},
		},
	})

	products := e.ListProducts()
	if len(products) != 1 || products[0].ID != "good" {
		t.Errorf("expected only the valid product to survive, got %+v", products)
	}
	if e.ActiveProductID() != "good" {
		t.Errorf("active product: got %q, want good", e.ActiveProductID())
	}
}
