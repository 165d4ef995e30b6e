package prefill

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"sqs/internal/geom"
)

const (
	OpIsNotNull   = "IsNotNull"
	OpGreaterThan = "GreaterThan"
	OpLessThan    = "LessThan"
	OpEquals      = "Equals"
	OpContains    = "Contains"
	OpLike        = "Like"
	OpOr          = "OR"
)

// RowFilter is an immutable, sorted set of row indices into an overlay result.
type RowFilter struct {
	rows []int
}

func NewRowFilter(rows ...int) RowFilter {
	seen := make(map[int]bool, len(rows))
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		if r < 0 || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Ints(out)
	return RowFilter{rows: out}
}

// Rows returns a copy of the kept indices.
func (f RowFilter) Rows() []int { return append([]int(nil), f.rows...) }

func (f RowFilter) Len() int { return len(f.rows) }

func (f RowFilter) Empty() bool { return len(f.rows) == 0 }

func (f RowFilter) Has(i int) bool {
	j := sort.SearchInts(f.rows, i)
	return j < len(f.rows) && f.rows[j] == i
}

type valueKind int

const (
	kindText valueKind = iota
	kindInt
	kindFloat
)

func sniff(s string) valueKind {
	s = strings.TrimSpace(s)
	if s == "" {
		return kindText
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return kindInt
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return kindFloat
	}
	return kindText
}

func cellFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Compare applies the question's operator to the column_name column of t.
// Unsupported operators return an empty filter together with an error.
func Compare(q Question, t *geom.FeatureTable) (RowFilter, error) {
	opErr := OperatorError{
		Layer:    q.Layer.Name,
		Column:   q.ColumnName,
		Operator: q.Operator,
		Value:    string(q.Value),
	}
	switch q.Operator {
	case OpContains, OpLike, OpOr:
		opErr.Unsupported = true
		return RowFilter{}, opErr
	case OpIsNotNull, OpGreaterThan, OpLessThan, OpEquals:
	default:
		opErr.Unsupported = true
		return RowFilter{}, opErr
	}

	cells, err := t.Column(q.ColumnName)
	if err != nil {
		opErr.Available = append([]string(nil), t.Columns...)
		opErr.Err = ErrColumnNotFound
		return RowFilter{}, opErr
	}

	value := strings.TrimSpace(string(q.Value))
	var rows []int
	switch q.Operator {
	case OpIsNotNull:
		for i, c := range cells {
			if strings.TrimSpace(geom.CellString(c)) != "" {
				rows = append(rows, i)
			}
		}

	case OpGreaterThan, OpLessThan:
		if sniff(value) == kindText {
			opErr.Err = errors.New("value is not numeric")
			return RowFilter{}, opErr
		}
		threshold, _ := strconv.ParseFloat(value, 64)
		nonBlank, numeric := 0, 0
		for i, c := range cells {
			if strings.TrimSpace(geom.CellString(c)) != "" {
				nonBlank++
			}
			f, ok := cellFloat(c)
			if !ok {
				continue
			}
			numeric++
			if (q.Operator == OpGreaterThan && f > threshold) || (q.Operator == OpLessThan && f < threshold) {
				rows = append(rows, i)
			}
		}
		if nonBlank > 0 && numeric == 0 {
			opErr.Err = errors.New("column is not numeric")
			return RowFilter{}, opErr
		}

	case OpEquals:
		if sniff(value) != kindText {
			target, _ := strconv.ParseFloat(value, 64)
			want := int64(math.Trunc(target))
			for i, c := range cells {
				f, ok := cellFloat(c)
				if !ok {
					continue
				}
				if int64(math.Trunc(f)) == want {
					rows = append(rows, i)
				}
			}
			break
		}
		want := fold(value)
		for i, c := range cells {
			if fold(geom.CellString(c)) == want {
				rows = append(rows, i)
			}
		}
	}
	return NewRowFilter(rows...), nil
}

// OperatorResult returns the unique filtered values of column in first-seen order.
func OperatorResult(t *geom.FeatureTable, f RowFilter, column string) []string {
	return uniqueValues(t, f, column, false)
}

func uniqueValues(t *geom.FeatureTable, f RowFilter, column string, skipBlank bool) []string {
	if !t.HasColumn(column) {
		return nil
	}
	seen := map[string]bool{}
	out := []string{}
	for _, i := range f.rows {
		if i >= t.Len() {
			continue
		}
		s := geom.CellString(t.Features[i].Properties[column])
		if skipBlank && strings.TrimSpace(s) == "" {
			continue
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func composeLine(t *geom.FeatureTable, f RowFilter, prefix, column string, limit int) string {
	column = strings.TrimSpace(column)
	if column == "" {
		return strings.TrimSpace(prefix)
	}
	vals := uniqueValues(t, f, column, true)
	if limit >= 0 && len(vals) > limit {
		vals = vals[:limit]
	}
	return strings.TrimSpace(prefix + " " + strings.Join(vals, ", "))
}

// ProponentAnswer composes the proponent-facing text. Geometry-derived values
// are only surfaced for proponent-visible questions on text widgets.
func ProponentAnswer(q Question, t *geom.FeatureTable, f RowFilter, widget WidgetType) string {
	items := q.proponentItems()
	if !q.VisibleToProponent || !widget.IsText() {
		var prefixes []string
		for _, it := range items {
			if p := strings.TrimSpace(it.Prefix); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		return strings.Join(prefixes, "\n")
	}
	limit := polygonLimit(q.NoPolygonsProponent)
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, composeLine(t, f, it.Prefix, it.Answer, limit))
	}
	return strings.Join(lines, "\n")
}

func AssessorAnswer(q Question, t *geom.FeatureTable, f RowFilter) string {
	items := q.assessorItems()
	limit := polygonLimit(q.NoPolygonsAssessor)
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, composeLine(t, f, it.Prefix, it.Info, limit))
	}
	return strings.Join(lines, "\n")
}
