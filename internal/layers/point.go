package layers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"sqs/internal/geom"
)

type PointQuery struct {
	LayerName  string   `json:"layer_name"`
	LayerAttrs []string `json:"layer_attrs,omitempty"`
	Longitude  float64  `json:"longitude"`
	Latitude   float64  `json:"latitude"`
	Predicate  string   `json:"predicate,omitempty"`
}

// PointResult holds the attributes of the feature under the point. Res is
// nil when no feature matches.
type PointResult struct {
	Name   string         `json:"name"`
	Errors *string        `json:"errors"`
	Res    map[string]any `json:"res"`
}

// PointQuery returns the attributes of the first stored feature that
// contains the point. Unknown attributes fall back to all of them, with the
// reason in Errors.
func (s *Store) PointQuery(ctx context.Context, q PointQuery) (PointResult, error) {
	if q.LayerName == "" {
		return PointResult{}, errors.New("layer_name is required")
	}
	if q.Predicate == "" {
		q.Predicate = "within"
	}
	l, err := s.Repo.GetLayer(ctx, nil, q.LayerName)
	if err != nil {
		return PointResult{}, err
	}
	table, err := geom.ParseFeatureCollection([]byte(l.GeoJSON))
	if err != nil {
		return PointResult{}, fmt.Errorf("layer %s: %w", q.LayerName, err)
	}
	if table, err = geom.Reproject(table, geom.CRS4326); err != nil {
		return PointResult{}, fmt.Errorf("layer %s: %w", q.LayerName, err)
	}
	res := PointResult{Name: q.LayerName}
	row, ok, err := geom.SpatialJoin(orb.Point{q.Longitude, q.Latitude}, table, q.Predicate)
	if err != nil {
		return PointResult{}, err
	}
	if !ok {
		return res, nil
	}
	attrs := q.LayerAttrs
	var missing []string
	for _, a := range attrs {
		if !table.HasColumn(a) {
			missing = append(missing, a)
		}
	}
	if len(attrs) == 0 || len(missing) > 0 {
		if len(missing) > 0 {
			msg := fmt.Sprintf("attribute(s) not available: %s; attributes available in layer: %s",
				strings.Join(missing, ", "), strings.Join(table.Columns, ", "))
			res.Errors = &msg
		}
		attrs = table.Columns
	}
	props := table.Features[row].Properties
	res.Res = make(map[string]any, len(attrs))
	for _, a := range attrs {
		res.Res[a] = props[a]
	}
	return res, nil
}
