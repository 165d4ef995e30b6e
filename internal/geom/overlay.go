package geom

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/project"
	sf "github.com/peterstace/simplefeatures/geom"
)

// Region is the user geometry, optionally widened by a buffer in metres.
type Region struct {
	Parts  []orb.Geometry
	Meters float64
}

// RegionOf collects the geometries of a table, which must be in EPSG:4326.
func RegionOf(t *FeatureTable) (Region, error) {
	if t == nil || len(t.Features) == 0 {
		return Region{}, fmt.Errorf("empty geometry")
	}
	if NormalizeCRS(t.CRS) != CRS4326 {
		rt, err := Reproject(t, CRS4326)
		if err != nil {
			return Region{}, err
		}
		t = rt
	}
	r := Region{}
	for _, f := range t.Features {
		r.Parts = append(r.Parts, f.Geometry)
	}
	return r, nil
}

// Buffer widens the region by meters. A feature is inside the buffer when
// its Web Mercator distance to a part, scaled by the local Mercator factor
// of that part, is at most meters.
func Buffer(r Region, meters float64) Region {
	if meters < 0 || math.IsNaN(meters) {
		meters = 0
	}
	return Region{Parts: r.Parts, Meters: meters}
}

// toSimple converts an orb geometry for the simplefeatures predicates.
// Geometries are not validated, so self-intersecting layer polygons still
// take part in the overlay.
func toSimple(g orb.Geometry) (sf.Geometry, bool) {
	switch v := g.(type) {
	case nil:
		return sf.Geometry{}, false
	case orb.Ring:
		g = orb.Polygon{v}
	case orb.Bound:
		g = v.ToPolygon()
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return sf.Geometry{}, false
	}
	out, err := sf.UnmarshalWKB(data, sf.NoValidate{})
	if err != nil || out.IsEmpty() {
		return sf.Geometry{}, false
	}
	return out, true
}

func toMercator(g orb.Geometry) (sf.Geometry, bool) {
	return toSimple(project.Geometry(orb.Clone(g), project.WGS84.ToMercator))
}

// Intersection returns one row per (feature, region part) pair that
// intersects, carrying the feature's attributes.
func Intersection(t *FeatureTable, r Region) *FeatureTable {
	out := &FeatureTable{CRS: t.CRS, Columns: append([]string(nil), t.Columns...)}
	converted := make([]*sf.Geometry, len(t.Features))
	ok := make([]bool, len(t.Features))
	for _, part := range r.Parts {
		probe, valid := newProbe(part, r.Meters)
		if !valid {
			continue
		}
		for i, f := range t.Features {
			if f.Geometry == nil || !probe.bound.Intersects(f.Geometry.Bound()) {
				continue
			}
			if converted[i] == nil {
				g, good := probe.convert(f.Geometry)
				converted[i], ok[i] = &g, good
			}
			if ok[i] && probe.hits(*converted[i]) {
				out.Features = append(out.Features, f)
			}
		}
	}
	return out
}

// SpatialJoin returns the first row whose geometry satisfies predicate
// against pt. Supported predicates: within, intersects.
func SpatialJoin(pt orb.Point, t *FeatureTable, predicate string) (int, bool, error) {
	switch predicate {
	case "", "within", "intersects":
	default:
		return 0, false, fmt.Errorf("unsupported predicate %q", predicate)
	}
	target := sf.XY{X: pt.X(), Y: pt.Y()}.AsPoint().AsGeometry()
	for i, f := range t.Features {
		if f.Geometry == nil || !f.Geometry.Bound().Pad(1e-12).Contains(pt) {
			continue
		}
		g, ok := toSimple(f.Geometry)
		if ok && sf.Intersects(target, g) {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// probe tests layer features against one region part. Buffered probes
// work in Web Mercator, where threshold is the buffer in projected units.
type probe struct {
	shape     sf.Geometry
	bound     orb.Bound
	threshold float64
	buffered  bool
}

func newProbe(g orb.Geometry, meters float64) (probe, bool) {
	if g == nil {
		return probe{}, false
	}
	p := probe{bound: g.Bound()}
	if meters <= 0 {
		shape, ok := toSimple(g)
		p.shape = shape
		return p, ok
	}
	p.buffered = true
	scale := math.Cos(p.bound.Center().Lat() * math.Pi / 180)
	if scale < 1e-6 {
		scale = 1e-6
	}
	p.threshold = meters / scale
	// degrees of latitude per metre is roughly constant; longitude widens by 1/cos(lat)
	p.bound = p.bound.Pad(meters / 111320.0 / scale)
	shape, ok := toMercator(g)
	p.shape = shape
	return p, ok
}

func (p probe) convert(g orb.Geometry) (sf.Geometry, bool) {
	if p.buffered {
		return toMercator(g)
	}
	return toSimple(g)
}

func (p probe) hits(g sf.Geometry) bool {
	if !p.buffered {
		return sf.Intersects(p.shape, g)
	}
	d, ok := sf.Distance(p.shape, g)
	return ok && d <= p.threshold
}
