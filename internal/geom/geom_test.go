package geom

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

const regionsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"region": "Region A", "office": "North"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {"region": "Region B", "office": "South", "area": 12.5},
     "geometry": {"type": "Polygon", "coordinates": [[[1.01,0],[2,0],[2,1],[1.01,1],[1.01,0]]]}}
  ]
}`

func mustParse(t *testing.T, data string) *FeatureTable {
	t.Helper()
	ft, err := ParseFeatureCollection([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ft
}

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func TestParseFeatureCollectionColumns(t *testing.T) {
	ft := mustParse(t, regionsGeoJSON)
	if ft.Len() != 2 {
		t.Fatalf("expected 2 features, got %d", ft.Len())
	}
	want := []string{"area", "office", "region"}
	if len(ft.Columns) != len(want) {
		t.Fatalf("columns %v", ft.Columns)
	}
	for i, c := range want {
		if ft.Columns[i] != c {
			t.Fatalf("columns %v, want %v", ft.Columns, want)
		}
	}
	if ft.CRS != CRS4326 {
		t.Fatalf("crs %s", ft.CRS)
	}
	col, err := ft.Column("area")
	if err != nil {
		t.Fatal(err)
	}
	if col[0] != nil || CellString(col[1]) != "12.5" {
		t.Fatalf("area column %v", col)
	}
	if _, err := ft.Column("missing"); err == nil {
		t.Fatalf("expected missing column error")
	}
}

func TestParseSingleGeometry(t *testing.T) {
	ft := mustParse(t, `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`)
	if ft.Len() != 1 || len(ft.Columns) != 0 {
		t.Fatalf("unexpected table %+v", ft)
	}
}

func TestIntersectionInside(t *testing.T) {
	layer := mustParse(t, regionsGeoJSON)
	r := Region{Parts: []orb.Geometry{square(0.2, 0.2, 0.4, 0.4)}}
	res := Intersection(layer, r)
	if res.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", res.Len())
	}
	if res.Features[0].Properties["region"] != "Region A" {
		t.Fatalf("unexpected row %v", res.Features[0].Properties)
	}
}

func TestIntersectionContainingPolygon(t *testing.T) {
	layer := mustParse(t, regionsGeoJSON)
	r := Region{Parts: []orb.Geometry{square(-1, -1, 3, 3)}}
	if got := Intersection(layer, r).Len(); got != 2 {
		t.Fatalf("expected both regions, got %d", got)
	}
}

func TestBufferReachesNeighbour(t *testing.T) {
	layer := mustParse(t, regionsGeoJSON)
	base := Region{Parts: []orb.Geometry{square(0.9, 0.4, 0.99, 0.6)}}
	if got := Intersection(layer, base).Len(); got != 1 {
		t.Fatalf("unbuffered expected 1 row, got %d", got)
	}
	// gap to Region B is 0.02 degrees, about 2.2km at the equator
	if got := Intersection(layer, Buffer(base, 1000)).Len(); got != 1 {
		t.Fatalf("1km buffer expected 1 row, got %d", got)
	}
	if got := Intersection(layer, Buffer(base, 3000)).Len(); got != 2 {
		t.Fatalf("3km buffer expected 2 rows, got %d", got)
	}
}

func TestSpatialJoin(t *testing.T) {
	layer := mustParse(t, regionsGeoJSON)
	idx, ok, err := SpatialJoin(orb.Point{1.5, 0.5}, layer, "within")
	if err != nil || !ok {
		t.Fatalf("expected hit: ok=%v err=%v", ok, err)
	}
	if layer.Features[idx].Properties["region"] != "Region B" {
		t.Fatalf("wrong feature %v", layer.Features[idx].Properties)
	}
	if _, ok, _ := SpatialJoin(orb.Point{5, 5}, layer, "within"); ok {
		t.Fatalf("expected miss")
	}
	if _, _, err := SpatialJoin(orb.Point{0, 0}, layer, "touches"); err == nil {
		t.Fatalf("expected unsupported predicate")
	}
}

func TestReprojectMercator(t *testing.T) {
	ft := mustParse(t, `{"type":"FeatureCollection",
	  "crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::3857"}},
	  "features":[{"type":"Feature","properties":{"n":1},"geometry":{"type":"Point","coordinates":[111319.49,0]}}]}`)
	if ft.CRS != CRS3857 {
		t.Fatalf("crs %s", ft.CRS)
	}
	out, err := Reproject(ft, CRS4326)
	if err != nil {
		t.Fatal(err)
	}
	pt := out.Features[0].Geometry.(orb.Point)
	if math.Abs(pt.Lon()-1) > 1e-3 {
		t.Fatalf("lon %v", pt.Lon())
	}
	orig := ft.Features[0].Geometry.(orb.Point)
	if orig.Lon() != 111319.49 {
		t.Fatalf("source geometry mutated: %v", orig)
	}
	if _, err := Reproject(&FeatureTable{CRS: "EPSG:28350"}, CRS4326); err == nil {
		t.Fatalf("expected unsupported crs")
	}
}

func TestNormalizeCRS(t *testing.T) {
	cases := map[string]string{
		"":                              CRS4326,
		"urn:ogc:def:crs:OGC:1.3:CRS84": CRS4326,
		"EPSG:4326":                     CRS4326,
		"epsg:900913":                   CRS3857,
		"urn:ogc:def:crs:EPSG::28350":   "EPSG:28350",
	}
	for in, want := range cases {
		if got := NormalizeCRS(in); got != want {
			t.Fatalf("NormalizeCRS(%q)=%q want %q", in, got, want)
		}
	}
}

func TestBufferDistanceAtPerthLatitude(t *testing.T) {
	const lat = -31.95
	metresPerDegree := 111319.49 * math.Cos(lat*math.Pi/180)
	for _, tc := range []struct {
		gap  float64
		want int
	}{
		{900, 1}, {990, 1}, {1010, 0}, {1100, 0},
	} {
		edge := 115.86 + tc.gap/metresPerDegree
		layer := &FeatureTable{CRS: CRS4326, Columns: []string{"zone"}, Features: []Feature{{
			Geometry:   square(edge, lat-0.01, edge+0.02, lat+0.01),
			Properties: map[string]any{"zone": "R20"},
		}}}
		base := Region{Parts: []orb.Geometry{square(115.85, lat-0.01, 115.86, lat+0.01)}}
		if got := Intersection(layer, Buffer(base, 1000)).Len(); got != tc.want {
			t.Fatalf("gap %.0fm: got %d rows, want %d", tc.gap, got, tc.want)
		}
	}
}

func TestIntersectionSkipsEmptyAndLineFeatures(t *testing.T) {
	layer := &FeatureTable{CRS: CRS4326, Features: []Feature{
		{Geometry: nil},
		{Geometry: orb.LineString{{-1, 0.5}, {2, 0.5}}, Properties: map[string]any{"road": "crossing"}},
		{Geometry: orb.LineString{{5, 5}, {6, 6}}, Properties: map[string]any{"road": "far"}},
	}}
	res := Intersection(layer, Region{Parts: []orb.Geometry{square(0, 0, 1, 1)}})
	if res.Len() != 1 || res.Features[0].Properties["road"] != "crossing" {
		t.Fatalf("unexpected rows %+v", res.Features)
	}
}

func TestSpatialJoinOnBoundary(t *testing.T) {
	layer := mustParse(t, regionsGeoJSON)
	idx, ok, err := SpatialJoin(orb.Point{1, 0.5}, layer, "intersects")
	if err != nil || !ok || layer.Features[idx].Properties["region"] != "Region A" {
		t.Fatalf("boundary point: idx=%d ok=%v err=%v", idx, ok, err)
	}
}

func TestReprojectGeographicEquivalents(t *testing.T) {
	for _, crs := range []string{"urn:ogc:def:crs:EPSG::4283", "EPSG:7844", "EPSG:4258"} {
		ft := &FeatureTable{CRS: NormalizeCRS(crs), Features: []Feature{{Geometry: orb.Point{115.86, -31.95}}}}
		out, err := Reproject(ft, CRS4326)
		if err != nil {
			t.Fatalf("%s: %v", crs, err)
		}
		if out.CRS != CRS4326 || out.Features[0].Geometry.(orb.Point) != (orb.Point{115.86, -31.95}) {
			t.Fatalf("%s: unexpected %+v", crs, out)
		}
		r, err := RegionOf(ft)
		if err != nil || len(r.Parts) != 1 {
			t.Fatalf("%s region: %v", crs, err)
		}
	}
}
