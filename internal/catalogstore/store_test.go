package catalogstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zonewatch/zonewatch/internal/zones"
	"go.uber.org/zap"
)

func testDocument() zones.CatalogDocument {
	return zones.CatalogDocument{
		ActiveProductID: "p1",
		Products: []zones.ProductConfig{
			{
				ID:      "p1",
				Name:    "Widget A",
				Enabled: true,
				Zones: []zones.MeasurementZone{
					{
						ID: "front", Name: "Front", Enabled: true,
						StartAngle: -15, EndAngle: 15, Layers: []int{0, 1},
						Expected: 2.0, TolPlus: 0.1, TolMinus: 0.1,
						MinValid: 0.05, MaxValid: 10, MinPoints: 3,
						Statistic: zones.StatisticMedian,
						RejectOutliers: true, OutlierStdFactor: 2.0,
					},
				},
			},
			{ID: "p2", Name: "Widget B", Enabled: false},
		},
	}
}

func TestStoreCreatesParentDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deeper", "catalog.json")

	_, err := New(path, zap.NewNop())
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(path))
}

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "catalog.json"), zap.NewNop())
	require.NoError(t, err)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Products)
	assert.Empty(t, doc.ActiveProductID)
}

// TestSaveThenLoadRoundTrip covers the restart property: a catalog mutation
// followed by a fresh store over the same path reloads an equivalent
// catalog.
func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")

	store, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(testDocument()))

	reopened, err := New(path, zap.NewNop())
	require.NoError(t, err)
	doc, err := reopened.Load()
	require.NoError(t, err)

	assert.Equal(t, testDocument(), doc)
}

func TestSaveReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	store, err := New(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Save(testDocument()))

	smaller := zones.CatalogDocument{
		ActiveProductID: "only",
		Products:        []zones.ProductConfig{{ID: "only", Enabled: true}},
	}
	require.NoError(t, store.Save(smaller))

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, smaller, doc)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	store, err := New(path, zap.NewNop())
	require.NoError(t, err)

	_, err = store.Load()
	assert.Error(t, err)
}

func TestWatcherReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	store, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(testDocument()))

	reloaded := make(chan zones.CatalogDocument, 1)
	watcher, err := NewWatcher(path, zap.NewNop(), func(doc zones.CatalogDocument) {
		select {
		case reloaded <- doc:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	// Simulate an external edit: a direct write to the watched file.
	edited := testDocument()
	edited.ActiveProductID = "p2"
	data, err := json.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	select {
	case doc := <-reloaded:
		assert.Equal(t, "p2", doc.ActiveProductID)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the external edit")
	}
}

func TestWatcherIgnoresMalformedEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	store, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(testDocument()))

	reloaded := make(chan zones.CatalogDocument, 1)
	watcher, err := NewWatcher(path, zap.NewNop(), func(doc zones.CatalogDocument) {
		reloaded <- doc
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	select {
	case <-reloaded:
		t.Fatal("malformed edit must not trigger a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
