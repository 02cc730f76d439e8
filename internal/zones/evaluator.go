package zones

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zonewatch/zonewatch/internal/telegram"
	"go.uber.org/zap"
)

// ResultCallback is invoked after each successful evaluation, outside the
// Evaluator's internal lock. A panicking or erroring callback is isolated:
// it is logged and does not suppress other callbacks or the evaluate call's
// own return value.
type ResultCallback func(product ProductConfig, stats Statistics)

// Persister is the contract the Evaluator needs from the catalog store: load
// the document at startup, and save synchronously after every mutation.
// internal/catalogstore implements this.
type Persister interface {
	Load() (CatalogDocument, error)
	Save(CatalogDocument) error
}

// Evaluator owns the product catalog, the active-product selector, and
// running statistics. It is logically single-writer: a mutex guards the
// catalog and statistics; Evaluate is non-blocking after acquiring the
// mutex, and subscriber callbacks run after the mutex is released.
type Evaluator struct {
	log *zap.Logger

	persister Persister

	mu              sync.Mutex
	products        map[string]ProductConfig
	order           []string // insertion order, for stable ListProducts output
	activeProductID string
	stats           Statistics

	subMu       sync.Mutex
	subscribers []ResultCallback
}

// NewEvaluator constructs an Evaluator backed by the given persister. It
// loads the catalog synchronously; a missing or empty document seeds the
// example product.
func NewEvaluator(persister Persister, log *zap.Logger) (*Evaluator, error) {
	e := &Evaluator{
		log:       log,
		persister: persister,
		products:  make(map[string]ProductConfig),
	}

	doc, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	if len(doc.Products) == 0 {
		example := ExampleProduct()
		e.products[example.ID] = example
		e.order = append(e.order, example.ID)
		e.activeProductID = example.ID
		if err := e.persister.Save(e.snapshotLocked()); err != nil {
			log.Warn("failed to persist seeded catalog", zap.Error(err))
		}
		return e, nil
	}

	for _, p := range doc.Products {
		if err := validateProduct(p); err != nil {
			log.Warn("dropping invalid product from catalog", zap.String("product_id", p.ID), zap.Error(err))
			continue
		}
		e.products[p.ID] = p
		e.order = append(e.order, p.ID)
	}
	e.activeProductID = doc.ActiveProductID
	if _, ok := e.products[e.activeProductID]; !ok {
		e.activeProductID = ""
	}

	return e, nil
}

func validateProduct(p ProductConfig) error {
	seen := make(map[string]bool, len(p.Zones))
	for _, z := range p.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone with empty id")
		}
		if seen[z.ID] {
			return fmt.Errorf("duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true
		if z.StartAngle > z.EndAngle {
			return fmt.Errorf("zone %q has start_angle > end_angle", z.ID)
		}
	}
	return nil
}

// snapshotLocked returns the persistable document. Caller must hold mu.
func (e *Evaluator) snapshotLocked() CatalogDocument {
	doc := CatalogDocument{ActiveProductID: e.activeProductID}
	for _, id := range e.order {
		doc.Products = append(doc.Products, e.products[id])
	}
	return doc
}

func (e *Evaluator) persistLocked() {
	if err := e.persister.Save(e.snapshotLocked()); err != nil {
		// Persistence I/O errors are logged and never block evaluation.
		e.log.Warn("failed to persist catalog", zap.Error(err))
	}
}

// AddProduct inserts or replaces a product and persists the catalog. A
// product without an id is assigned a fresh one.
func (e *Evaluator) AddProduct(p ProductConfig) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := validateProduct(p); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.products[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	e.products[p.ID] = p
	e.persistLocked()
	return nil
}

// RemoveProduct deletes a product by id and persists the catalog.
func (e *Evaluator) RemoveProduct(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.products[id]; !ok {
		return fmt.Errorf("product %q not found", id)
	}
	delete(e.products, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.activeProductID == id {
		e.activeProductID = ""
	}
	e.persistLocked()
	return nil
}

// GetProduct returns the product by id.
func (e *Evaluator) GetProduct(id string) (ProductConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.products[id]
	return p, ok
}

// ListProducts returns all products in insertion order.
func (e *Evaluator) ListProducts() []ProductConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ProductConfig, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.products[id])
	}
	return out
}

// SetActiveProduct switches the active product, returning false if unknown.
func (e *Evaluator) SetActiveProduct(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.products[id]; !ok {
		return false
	}
	e.activeProductID = id
	e.persistLocked()
	return true
}

// ActiveProductID returns the currently active product id, or "" if none.
func (e *Evaluator) ActiveProductID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeProductID
}

// ReplaceCatalog swaps the in-memory catalog for doc, validating each
// product the same way startup load does (invalid products are dropped and
// logged, the rest is kept). Used by the catalog file watcher to absorb an
// external edit without restarting the service. It does not persist: the
// document just came from disk, writing it back would be a no-op at best
// and a lost-update race at worst.
func (e *Evaluator) ReplaceCatalog(doc CatalogDocument) {
	products := make(map[string]ProductConfig, len(doc.Products))
	var order []string
	for _, p := range doc.Products {
		if err := validateProduct(p); err != nil {
			e.log.Warn("dropping invalid product from externally reloaded catalog",
				zap.String("product_id", p.ID), zap.Error(err))
			continue
		}
		products[p.ID] = p
		order = append(order, p.ID)
	}
	active := doc.ActiveProductID
	if _, ok := products[active]; !ok {
		active = ""
	}

	e.mu.Lock()
	e.products = products
	e.order = order
	e.activeProductID = active
	e.mu.Unlock()
}

// Statistics returns a copy of the running counters.
func (e *Evaluator) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStatistics zeroes the running counters.
func (e *Evaluator) ResetStatistics() {
	e.mu.Lock()
	e.stats = Statistics{}
	e.mu.Unlock()
}

// Subscribe registers a verdict consumer.
func (e *Evaluator) Subscribe(cb ResultCallback) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, cb)
}

// Evaluate runs the active product's enabled zones against scan, updates
// catalog state and statistics, and notifies subscribers after releasing
// the internal lock. It returns the updated product, or ok=false if there
// is no active enabled product.
func (e *Evaluator) Evaluate(scan telegram.Scan) (updated ProductConfig, ok bool) {
	e.mu.Lock()

	product, exists := e.products[e.activeProductID]
	if !exists || !product.Enabled {
		e.mu.Unlock()
		return ProductConfig{}, false
	}

	now := time.Now()
	allGood := true
	for i := range product.Zones {
		zone := &product.Zones[i]
		if !zone.Enabled {
			continue
		}
		measurement, pointCount, verdict := evaluateZone(*zone, scan)
		zone.LastMeasurement = measurement
		zone.LastVerdict = verdict
		zone.LastUpdate = now
		zone.LastPointCount = pointCount
		if verdict != VerdictGood {
			allGood = false
		}
	}

	productVerdict := VerdictBad
	if allGood {
		productVerdict = VerdictGood
	}
	product.LastVerdict = productVerdict
	product.LastUpdate = now
	e.products[product.ID] = product

	e.stats.EvaluationCount++
	switch productVerdict {
	case VerdictGood:
		e.stats.GoodCount++
	case VerdictBad:
		e.stats.BadCount++
	}
	stats := e.stats
	e.mu.Unlock()

	e.notify(product, stats)
	return product, true
}

func (e *Evaluator) notify(product ProductConfig, stats Statistics) {
	e.subMu.Lock()
	subs := make([]ResultCallback, len(e.subscribers))
	copy(subs, e.subscribers)
	e.subMu.Unlock()

	for _, cb := range subs {
		e.invokeSafely(cb, product, stats)
	}
}

func (e *Evaluator) invokeSafely(cb ResultCallback, product ProductConfig, stats Statistics) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("verdict callback panicked", zap.Any("recovered", r))
		}
	}()
	cb(product, stats)
}

// evaluateZone runs one zone's acceptance rule against scan and returns its
// measurement, the qualifying point count, and the resulting verdict.
func evaluateZone(zone MeasurementZone, scan telegram.Scan) (measurement float64, pointCount int, verdict Verdict) {
	var distances []float64
	for _, layer := range zone.Layers {
		if layer < 0 || layer >= len(scan.PointsByLayer) {
			continue
		}
		for _, pt := range scan.PointsByLayer[layer] {
			if pt.AngleH < zone.StartAngle || pt.AngleH > zone.EndAngle {
				continue
			}
			if pt.Distance < zone.MinValid || pt.Distance > zone.MaxValid {
				continue
			}
			distances = append(distances, pt.Distance)
		}
	}

	if len(distances) == 0 || len(distances) < zone.MinPoints {
		return 0, len(distances), VerdictNoTarget
	}

	if zone.RejectOutliers && len(distances) > 3 {
		distances = rejectOutliers(distances, zone.OutlierStdFactor)
		if len(distances) < zone.MinPoints {
			return 0, len(distances), VerdictNoTarget
		}
	}

	switch zone.Statistic {
	case StatisticMean:
		measurement = mean(distances)
	default:
		measurement = median(distances)
	}

	if measurement >= zone.Expected-zone.TolMinus && measurement <= zone.Expected+zone.TolPlus {
		verdict = VerdictGood
	} else {
		verdict = VerdictBad
	}
	return measurement, len(distances), verdict
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// rejectOutliers keeps values within stdFactor standard deviations of the
// mean, skipping rejection entirely when the standard deviation is below a
// noise floor (population is too tight for outlier math to be meaningful).
func rejectOutliers(values []float64, stdFactor float64) []float64 {
	m := mean(values)
	sd := stddev(values, m)
	if sd < 1e-3 {
		return values
	}
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-m) <= stdFactor*sd {
			kept = append(kept, v)
		}
	}
	return kept
}
