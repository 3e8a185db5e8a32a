package store

import (
	"context"
	"os"
	"testing"

	"kmz-pipeline/internal/models"
)

// newTestStore connects to the PostGIS database named by KMZ_TEST_POSTGRES_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KMZ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KMZ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func TestReplaceFeatures_KeepsElevation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	file, err := st.CreateFile(ctx, CreateFileParams{Filename: "z-square.kmz", OriginalName: "square.kmz", FileSize: 1})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	t.Cleanup(func() { _, _ = st.pool.Exec(context.Background(), `DELETE FROM kmz_files WHERE id = $1`, file.ID) })

	polygon, point := "Polygon", "Point"
	flat := models.Feature{KMZID: file.ID, Type: &point, Geometry: []byte(`{"type":"Point","coordinates":[35.8,34.2]}`)}
	withZ := models.Feature{
		KMZID:    file.ID,
		Type:     &polygon,
		Geometry: []byte(`{"type":"Polygon","coordinates":[[[35.8,34.2,10],[35.81,34.2,10],[35.81,34.21,10],[35.8,34.21,10],[35.8,34.2,10]]]}`),
	}

	conn, err := st.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()
	if err := conn.ReplaceFeatures(ctx, file.ID, []models.Feature{withZ, flat}); err != nil {
		t.Fatalf("replace features: %v", err)
	}
	// A second run replaces rather than appends.
	if err := conn.ReplaceFeatures(ctx, file.ID, []models.Feature{withZ, flat}); err != nil {
		t.Fatalf("replace features again: %v", err)
	}

	var rows, dims int
	var z float64
	var srid int
	err = st.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       MAX(ST_NDims(geometry)),
		       MAX(ST_Z(ST_PointN(ST_ExteriorRing(geometry), 1))) FILTER (WHERE GeometryType(geometry) = 'POLYGON'),
		       MIN(ST_SRID(geometry))
		FROM kmz_features WHERE kmz_id = $1
	`, file.ID).Scan(&rows, &dims, &z, &srid)
	if err != nil {
		t.Fatalf("query features: %v", err)
	}
	if rows != 2 || dims != 3 || z != 10 || srid != SRID {
		t.Fatalf("unexpected stored geometry rows=%d dims=%d z=%v srid=%d", rows, dims, z, srid)
	}
}
