package vri

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/db"
	"github.com/sells-group/goshawk-habitat/internal/rasterize"
	"github.com/sells-group/goshawk-habitat/internal/resilience"
)

// Source returns the attributed polygons of one region.
type Source interface {
	Polygons(ctx context.Context, params Params) ([]Polygon, error)
}

// PostgresSource runs the extraction query against PostGIS.
type PostgresSource struct {
	pool   db.Pool
	tables Tables
	retry  resilience.RetryConfig
}

// Option configures a PostgresSource.
type Option func(*PostgresSource)

// WithTables overrides the source table names.
func WithTables(t Tables) Option {
	return func(s *PostgresSource) { s.tables = t.withDefaults() }
}

// WithRetry overrides the retry policy for transient database errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *PostgresSource) { s.retry = cfg }
}

// NewPostgresSource returns a Source reading from pool.
func NewPostgresSource(pool db.Pool, opts ...Option) *PostgresSource {
	s := &PostgresSource{pool: pool, tables: DefaultTables(), retry: resilience.DefaultRetryConfig()}
	for _, o := range opts {
		o(s)
	}
	s.retry.Operation = "vri.polygons"
	return s
}

// polygonQuery selects vegetation polygons inside the region that pass the
// stand filters, erases fire and harvest polygons from the cutoff year on,
// clips to the region and returns EWKB in the requested SRID.
//
// $1 region id, $2 min age, $3 min height, $4 min crown closure,
// $5 max site index (0 = none), $6 disturbance cutoff year (0 = none),
// $7 simplify tolerance (m), $8 output SRID.
const polygonQuery = `
WITH region AS (
	SELECT ST_Union(r.geometry) AS geom
	FROM %[2]s r
	WHERE r.feature_id::text = $1
),
veg AS (
	SELECT
		v.feature_id,
		v.proj_age_1,
		v.proj_height_1,
		v.crown_closure,
		v.site_index,
		v.bec_zone_code,
		v.bec_subzone,
		ST_Intersection(v.geometry, region.geom) AS geom
	FROM %[1]s v
	JOIN region ON ST_Intersects(v.geometry, region.geom)
	WHERE v.proj_age_1 >= $2
	  AND v.proj_height_1 >= $3
	  AND v.crown_closure >= $4
	  AND ($5::double precision <= 0 OR v.site_index <= $5)
),
disturbance AS (
	SELECT ST_Union(d.geom) AS geom
	FROM (
		SELECT f.geometry AS geom
		FROM %[3]s f, region
		WHERE $6::integer > 0 AND f.fire_year >= $6
		  AND ST_Intersects(f.geometry, region.geom)
		UNION ALL
		SELECT c.geometry AS geom
		FROM %[4]s c, region
		WHERE $6::integer > 0 AND c.harvest_start_year_calendar >= $6
		  AND ST_Intersects(c.geometry, region.geom)
	) d
),
erased AS (
	SELECT
		veg.*,
		CASE
			WHEN disturbance.geom IS NULL THEN veg.geom
			ELSE ST_Difference(veg.geom, disturbance.geom)
		END AS kept
	FROM veg CROSS JOIN disturbance
)
SELECT
	feature_id,
	proj_age_1,
	proj_height_1,
	crown_closure,
	site_index,
	COALESCE(bec_zone_code, ''),
	COALESCE(bec_subzone, ''),
	ST_AsEWKB(ST_Transform(
		CASE WHEN $7::double precision > 0 THEN ST_SimplifyPreserveTopology(kept, $7) ELSE kept END,
		$8::integer
	)) AS geom_ewkb
FROM erased
WHERE NOT ST_IsEmpty(kept)
ORDER BY feature_id`

func (s *PostgresSource) query() string {
	return fmt.Sprintf(polygonQuery,
		db.Identifier(s.tables.Vegetation).Sanitize(),
		db.Identifier(s.tables.Regions).Sanitize(),
		db.Identifier(s.tables.Fires).Sanitize(),
		db.Identifier(s.tables.Cutblocks).Sanitize(),
	)
}

// Polygons runs the extraction for params.RegionID. Polygons whose geometry
// is not areal after erasing are skipped.
func (s *PostgresSource) Polygons(ctx context.Context, params Params) ([]Polygon, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "vri.source"), zap.String("region", params.RegionID))

	polys, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]Polygon, error) {
		return s.fetch(ctx, params)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "vri: extract region %s", params.RegionID)
	}
	log.Info("vri: polygons extracted", zap.Int("polygons", len(polys)))
	return polys, nil
}

func (s *PostgresSource) fetch(ctx context.Context, p Params) ([]Polygon, error) {
	rows, err := s.pool.Query(ctx, s.query(),
		p.RegionID, p.MinAge, p.MinHeight, p.MinCrownClosure,
		p.MaxSiteIndex, p.DisturbanceCutoffYear, p.ToleranceM, p.srid(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "vri: query polygons")
	}
	defer rows.Close()

	var (
		out     []Polygon
		skipped int
	)
	for rows.Next() {
		var poly Polygon
		var geomWKB []byte
		if err := rows.Scan(&poly.FeatureID, &poly.Age, &poly.Height, &poly.CrownClosure, &poly.SiteIndex,
			&poly.Zone, &poly.Subzone, &geomWKB); err != nil {
			return nil, eris.Wrap(err, "vri: scan polygon")
		}
		g, err := DecodeGeometry(geomWKB)
		if err != nil {
			zap.L().Debug("vri: skipping polygon", zap.Int64("feature_id", poly.FeatureID), zap.Error(err))
			skipped++
			continue
		}
		poly.Geometry = g
		out = append(out, poly)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "vri: iterate polygons")
	}
	if skipped > 0 {
		zap.L().Debug("vri: skipped non-areal polygons", zap.String("region", p.RegionID), zap.Int("skipped", skipped))
	}
	return out, nil
}

// DecodeGeometry parses EWKB and keeps only areal parts. A
// GeometryCollection (what ST_Difference can leave behind) is reduced to its
// polygons.
func DecodeGeometry(data []byte) (geom.T, error) {
	if len(data) == 0 {
		return nil, eris.New("vri: empty geometry")
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "vri: decode ewkb")
	}
	return rasterize.Areal(g)
}
