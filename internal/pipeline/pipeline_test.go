package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kmz-pipeline/internal/geo"
	"kmz-pipeline/internal/kmz"
	"kmz-pipeline/internal/models"
	"kmz-pipeline/internal/thumbnail"
)

const squareKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Placemark>
      <name>TST</name>
      <Polygon>
        <outerBoundaryIs>
          <LinearRing>
            <coordinates>35.8,34.2,10 35.81,34.2,10 35.81,34.21,10 35.8,34.21,10 35.8,34.2,10</coordinates>
          </LinearRing>
        </outerBoundaryIs>
      </Polygon>
    </Placemark>
  </Document>
</kml>`

// memStore keeps rows in memory the way the Postgres store would after commit.
type memStore struct {
	features  map[int64][]models.Feature
	status    map[int64]string
	reason    map[int64]string
	count     map[int64]int
	thumbnail map[int64]*string
	failNext  error
}

func newMemStore() *memStore {
	return &memStore{
		features:  map[int64][]models.Feature{},
		status:    map[int64]string{},
		reason:    map[int64]string{},
		count:     map[int64]int{},
		thumbnail: map[int64]*string{},
	}
}

func (m *memStore) ReplaceFeatures(_ context.Context, id int64, features []models.Feature) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.features[id] = append([]models.Feature(nil), features...)
	return nil
}

func (m *memStore) MarkProcessed(_ context.Context, id int64, n int, thumb *string) error {
	m.status[id] = models.StatusProcessed
	m.count[id] = n
	m.thumbnail[id] = thumb
	delete(m.reason, id)
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id int64, reason string) error {
	m.status[id] = models.StatusFailed
	m.reason[id] = reason
	return nil
}

type failingThumbnailer struct{}

func (failingThumbnailer) Generate(context.Context, thumbnail.Request, geo.FeatureCollection) (string, error) {
	return "", errors.New("disk full")
}

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.kmz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("entry: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestProcess_PolygonEndToEnd(t *testing.T) {
	base := t.TempDir()
	path := writeArchive(t, map[string]string{"doc.kml": squareKML})
	db := newMemStore()
	p := New(kmz.Extractor{}, thumbnail.NewGenerator(0))

	res, err := p.Process(context.Background(), Request{JobID: 1, StoredPath: path, BaseDir: base}, db)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Success || res.FeatureCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if db.status[1] != models.StatusProcessed || db.count[1] != 1 {
		t.Fatalf("unexpected status %s count %d", db.status[1], db.count[1])
	}

	rows := db.features[1]
	if len(rows) != 1 {
		t.Fatalf("expected 1 stored feature, got %d", len(rows))
	}
	row := rows[0]
	if row.Name == nil || *row.Name != "TST" || row.Type == nil || *row.Type != "Polygon" {
		t.Fatalf("unexpected row %+v", row)
	}
	if got := row.Properties[geo.KeyAreaDunum]; got != 1024.86 {
		t.Fatalf("expected area 1024.86 dunum, got %v", got)
	}
	if got := row.Properties[geo.KeyElevationAvgM]; got != 10.0 {
		t.Fatalf("expected elevation 10.0, got %v", got)
	}

	var g geo.Geometry
	if err := g.UnmarshalJSON(row.Geometry); err != nil {
		t.Fatalf("stored geometry is not GeoJSON: %v", err)
	}
	if g.Type != "Polygon" || len(g.Polygon[0]) != 5 || g.Polygon[0][0][0] != 35.8 {
		t.Fatalf("unexpected stored geometry %+v", g)
	}

	want := filepath.Join(base, "uploads", "thumbnails", "1.png")
	if res.ThumbnailPath != want || db.thumbnail[1] == nil || *db.thumbnail[1] != want {
		t.Fatalf("expected thumbnail %s, got %q", want, res.ThumbnailPath)
	}
}

func TestProcess_NoKMLIsTerminal(t *testing.T) {
	path := writeArchive(t, map[string]string{"readme.txt": "nothing here"})
	db := newMemStore()

	res, err := New(kmz.Extractor{}, nil).Process(context.Background(), Request{JobID: 2, StoredPath: path}, db)
	var te *TerminalError
	if !errors.As(err, &te) || te.Reason != models.ReasonNoKMLFound {
		t.Fatalf("expected terminal no_kml_found, got %v", err)
	}
	if res.Success || db.status[2] != models.StatusFailed || db.reason[2] != models.ReasonNoKMLFound {
		t.Fatalf("unexpected outcome %+v status=%s reason=%s", res, db.status[2], db.reason[2])
	}
	if _, wrote := db.features[2]; wrote {
		t.Fatalf("features written for archive without KML")
	}
}

func TestProcess_MissingFileIsTerminal(t *testing.T) {
	db := newMemStore()
	_, err := New(kmz.Extractor{}, nil).Process(context.Background(), Request{JobID: 3, StoredPath: filepath.Join(t.TempDir(), "gone.kmz")}, db)
	if !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if db.reason[3] != models.ReasonFileMissing {
		t.Fatalf("expected file_missing, got %q", db.reason[3])
	}
}

func TestProcess_MalformedKMLIsRetryable(t *testing.T) {
	path := writeArchive(t, map[string]string{"doc.kml": "<kml><Placemark><name>x</Placemark>"})
	db := newMemStore()
	_, err := New(kmz.Extractor{}, nil).Process(context.Background(), Request{JobID: 4, StoredPath: path}, db)
	if err == nil || IsTerminal(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if !errors.Is(err, kmz.ErrMalformedKML) {
		t.Fatalf("expected malformed KML, got %v", err)
	}
	if db.status[4] != models.StatusFailed || db.reason[4] != err.Error() {
		t.Fatalf("expected failed status with raw reason, got %s %q", db.status[4], db.reason[4])
	}
}

func TestProcess_ReplaceIsIdempotent(t *testing.T) {
	two := `<kml><Document>
<Placemark><Point><coordinates>1,2</coordinates></Point></Placemark>
<Placemark><Point><coordinates>3,4</coordinates></Point></Placemark>
</Document></kml>`
	db := newMemStore()
	p := New(kmz.Extractor{}, nil)

	first := writeArchive(t, map[string]string{"doc.kml": squareKML})
	if _, err := p.Process(context.Background(), Request{JobID: 5, StoredPath: first}, db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second := writeArchive(t, map[string]string{"doc.kml": two})
	if _, err := p.Process(context.Background(), Request{JobID: 5, StoredPath: second}, db); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(db.features[5]) != 2 || db.count[5] != 2 {
		t.Fatalf("expected second run's 2 features, got %d rows count %d", len(db.features[5]), db.count[5])
	}
}

func TestProcess_PersistenceErrorMarksFailed(t *testing.T) {
	path := writeArchive(t, map[string]string{"doc.kml": squareKML})
	db := newMemStore()
	db.failNext = errors.New("connection reset")

	_, err := New(kmz.Extractor{}, nil).Process(context.Background(), Request{JobID: 6, StoredPath: path}, db)
	if err == nil || IsTerminal(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if db.status[6] != models.StatusFailed || db.reason[6] != "connection reset" {
		t.Fatalf("unexpected status %s %q", db.status[6], db.reason[6])
	}
}

func TestProcess_ThumbnailFailureIsNotFatal(t *testing.T) {
	path := writeArchive(t, map[string]string{"doc.kml": squareKML})
	db := newMemStore()

	res, err := New(kmz.Extractor{}, failingThumbnailer{}).Process(context.Background(), Request{JobID: 7, StoredPath: path}, db)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Success || res.ThumbnailPath != "" || db.thumbnail[7] != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if db.status[7] != models.StatusProcessed {
		t.Fatalf("expected processed, got %s", db.status[7])
	}
}

func TestToRecords_TypeFromProperties(t *testing.T) {
	fc := geo.FeatureCollection{Features: []geo.Feature{{
		Geometry:   geo.NewPoint(geo.Position{1, 2}),
		Properties: map[string]any{"type": "well", "id": "w-1"},
	}}}
	rows, err := ToRecords(9, fc)
	if err != nil {
		t.Fatalf("to records: %v", err)
	}
	if *rows[0].Type != "well" || *rows[0].FeatureID != "w-1" || rows[0].Name != nil {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}
