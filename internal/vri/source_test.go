package vri

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var polygonColumns = []string{
	"feature_id", "proj_age_1", "proj_height_1", "crown_closure", "site_index",
	"bec_zone_code", "bec_subzone", "geom_ewkb",
}

func f64(v float64) *float64 { return &v }

func newMockSource(t *testing.T) (*PostgresSource, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	src := NewPostgresSource(mock, WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}))
	return src, mock
}

func squareWKB(t *testing.T, x0, y0, size float64) []byte {
	t.Helper()
	p := geom.NewPolygon(geom.XY).SetSRID(3005)
	require.NoError(t, p.Push(geom.NewLinearRingFlat(geom.XY, []float64{
		x0, y0, x0 + size, y0, x0 + size, y0 + size, x0, y0 + size, x0, y0,
	})))
	data, err := ewkb.Marshal(p, ewkb.NDR)
	require.NoError(t, err)
	return data
}

func pointWKB(t *testing.T) []byte {
	t.Helper()
	data, err := ewkb.Marshal(geom.NewPointFlat(geom.XY, []float64{1, 2}).SetSRID(3005), ewkb.NDR)
	require.NoError(t, err)
	return data
}

func params() Params {
	return Params{RegionID: "17", MinAge: 80, MinHeight: 10, MinCrownClosure: 30, OutputSRID: 3005}
}

func TestPolygons(t *testing.T) {
	src, mock := newMockSource(t)

	rows := pgxmock.NewRows(polygonColumns).
		AddRow(int64(101), f64(130), f64(24.5), f64(55), f64(18), "SBS", "mk", squareWKB(t, 0, 0, 100)).
		AddRow(int64(102), f64(95), f64(19), f64(40), (*float64)(nil), "IDF", "", squareWKB(t, 100, 0, 50)).
		AddRow(int64(103), f64(120), f64(22), f64(60), f64(15), "SBS", "mk", pointWKB(t))
	mock.ExpectQuery(`WITH region AS`).
		WithArgs("17", 80.0, 10.0, 30.0, 0.0, 0, 0.0, 3005).
		WillReturnRows(rows)

	polys, err := src.Polygons(context.Background(), params())
	require.NoError(t, err)
	require.Len(t, polys, 2)

	assert.Equal(t, int64(101), polys[0].FeatureID)
	assert.Equal(t, 130.0, *polys[0].Age)
	assert.Equal(t, "SBS", polys[0].Zone)
	assert.IsType(t, &geom.Polygon{}, polys[0].Geometry)

	assert.Nil(t, polys[1].SiteIndex)
	f := polys[1].Feature()
	assert.NotContains(t, f.Numeric, AttrSiteIndex)
	assert.Equal(t, 95.0, f.Numeric[AttrAge])
	assert.Equal(t, "IDF", f.Text[AttrZone])
	assert.NotContains(t, f.Text, AttrSubzone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolygons_RetriesTransient(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(`WITH region AS`).WillReturnError(&pgconn.PgError{Code: "57P01"})
	mock.ExpectQuery(`WITH region AS`).
		WillReturnRows(pgxmock.NewRows(polygonColumns).
			AddRow(int64(1), f64(100), f64(20), f64(50), f64(10), "SBS", "", squareWKB(t, 0, 0, 10)))

	polys, err := src.Polygons(context.Background(), params())
	require.NoError(t, err)
	assert.Len(t, polys, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolygons_PermanentError(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(`WITH region AS`).WillReturnError(&pgconn.PgError{Code: "42P01"})

	_, err := src.Polygons(context.Background(), params())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract region 17")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolygons_InvalidParams(t *testing.T) {
	src, mock := newMockSource(t)

	for _, p := range []Params{
		{},
		{RegionID: "1", MinAge: -1},
		{RegionID: "1", MinCrownClosure: 101},
		{RegionID: "1", DisturbanceCutoffYear: -5},
		{RegionID: "1", OutputSRID: -1},
	} {
		_, err := src.Polygons(context.Background(), p)
		assert.True(t, grid.IsConfiguration(err), "%+v", p)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_UsesConfiguredTables(t *testing.T) {
	src := NewPostgresSource(nil, WithTables(Tables{Vegetation: "public.veg"}))
	q := src.query()
	assert.Contains(t, q, `FROM "public"."veg" v`)
	assert.Contains(t, q, `"whse_admin_boundaries"."fadm_tsa"`)
	assert.Contains(t, q, `"whse_forest_vegetation"."veg_consolidated_cut_blocks_sp"`)
}

func TestDecodeGeometry(t *testing.T) {
	g, err := DecodeGeometry(squareWKB(t, 0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 3005, g.SRID())

	_, err = DecodeGeometry(nil)
	assert.Error(t, err)
	_, err = DecodeGeometry([]byte{0x01, 0x02})
	assert.Error(t, err)
	_, err = DecodeGeometry(pointWKB(t))
	assert.Error(t, err)
}
