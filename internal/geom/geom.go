package geom

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

const (
	CRS4326 = "EPSG:4326"
	CRS3857 = "EPSG:3857"
)

var ErrUnsupportedCRS = errors.New("unsupported crs")

// Feature is a single geometry with its attribute row.
type Feature struct {
	Geometry   orb.Geometry
	Properties map[string]any
}

// FeatureTable is a feature collection viewed as rows of attributes.
type FeatureTable struct {
	CRS      string
	Columns  []string
	Features []Feature
}

// Len returns the number of rows.
func (t *FeatureTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Features)
}

// HasColumn reports whether name is an attribute column of the table.
func (t *FeatureTable) HasColumn(name string) bool {
	if t == nil {
		return false
	}
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns the raw cell values for name, one per row.
func (t *FeatureTable) Column(name string) ([]any, error) {
	if !t.HasColumn(name) {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]any, len(t.Features))
	for i, f := range t.Features {
		out[i] = f.Properties[name]
	}
	return out, nil
}

// Subset returns a table holding only the given rows.
func (t *FeatureTable) Subset(rows []int) *FeatureTable {
	out := &FeatureTable{CRS: t.CRS, Columns: append([]string(nil), t.Columns...)}
	for _, i := range rows {
		if i >= 0 && i < len(t.Features) {
			out.Features = append(out.Features, t.Features[i])
		}
	}
	return out
}

// AttrValues returns the distinct stringified values of every column.
func (t *FeatureTable) AttrValues() map[string][]string {
	res := make(map[string][]string, len(t.Columns))
	for _, c := range t.Columns {
		seen := map[string]bool{}
		var vals []string
		for _, f := range t.Features {
			s := CellString(f.Properties[c])
			if seen[s] {
				continue
			}
			seen[s] = true
			vals = append(vals, s)
		}
		res[c] = vals
	}
	return res
}

// CellString renders an attribute cell as text. Null cells are blank.
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// ParseFeatureCollection decodes GeoJSON into a FeatureTable. A bare
// Feature or geometry object is accepted and wrapped.
func ParseFeatureCollection(data []byte) (*FeatureTable, error) {
	var head struct {
		Type string          `json:"type"`
		CRS  json.RawMessage `json:"crs"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}
	var fc *geojson.FeatureCollection
	switch head.Type {
	case "FeatureCollection":
		parsed, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geojson: %w", err)
		}
		fc = parsed
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geojson: %w", err)
		}
		fc = geojson.NewFeatureCollection()
		fc.Append(f)
	case "":
		return nil, errors.New("invalid geojson: missing type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geojson: %w", err)
		}
		fc = geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(g.Geometry()))
	}
	crs, err := crsName(head.CRS)
	if err != nil {
		return nil, err
	}
	return fromCollection(fc, crs), nil
}

func fromCollection(fc *geojson.FeatureCollection, crs string) *FeatureTable {
	t := &FeatureTable{CRS: crs}
	seen := map[string]bool{}
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		props := map[string]any{}
		for k, v := range f.Properties {
			props[k] = v
			if !seen[k] {
				seen[k] = true
				t.Columns = append(t.Columns, k)
			}
		}
		t.Features = append(t.Features, Feature{Geometry: f.Geometry, Properties: props})
	}
	sort.Strings(t.Columns)
	return t
}

// crsName reads the legacy GeoJSON "crs" member. Absent means EPSG:4326.
func crsName(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return CRS4326, nil
	}
	var named struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", fmt.Errorf("invalid geojson crs: %w", err)
	}
	return NormalizeCRS(named.Properties.Name), nil
}

// NormalizeCRS maps OGC URNs and aliases onto EPSG:<code>.
func NormalizeCRS(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case n == "":
		return CRS4326
	case strings.Contains(n, "CRS84"), strings.HasSuffix(n, ":4326"), n == "WGS84":
		return CRS4326
	case strings.HasSuffix(n, ":3857"), strings.HasSuffix(n, ":900913"), strings.HasSuffix(n, ":3785"):
		return CRS3857
	}
	if i := strings.LastIndex(n, ":"); i >= 0 {
		return "EPSG:" + strings.TrimLeft(n[i+1:], ":")
	}
	return n
}

// lonLatEquivalent lists geographic CRSs whose coordinates are read as
// WGS84 directly. GDA94, GDA2020 and ETRS89 sit within a couple of metres
// of WGS84.
var lonLatEquivalent = map[string]bool{
	CRS4326:     true,
	"EPSG:4283": true,
	"EPSG:7844": true,
	"EPSG:4258": true,
}

// Reproject returns the table in the target CRS. Supported are WGS84, the
// geographic CRSs in lonLatEquivalent and Web Mercator.
func Reproject(t *FeatureTable, crs string) (*FeatureTable, error) {
	from, to := NormalizeCRS(t.CRS), NormalizeCRS(crs)
	if from == to {
		return t, nil
	}
	var proj orb.Projection
	switch {
	case lonLatEquivalent[from] && to == CRS4326:
	case from == CRS3857 && to == CRS4326:
		proj = project.Mercator.ToWGS84
	case lonLatEquivalent[from] && to == CRS3857:
		proj = project.WGS84.ToMercator
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedCRS, from, to)
	}
	out := &FeatureTable{CRS: to, Columns: t.Columns}
	for _, f := range t.Features {
		g := f.Geometry
		if proj != nil {
			g = project.Geometry(orb.Clone(f.Geometry), proj)
		}
		out.Features = append(out.Features, Feature{Geometry: g, Properties: f.Properties})
	}
	return out, nil
}
