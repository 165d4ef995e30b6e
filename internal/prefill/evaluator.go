package prefill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"sqs/internal/domain"
	"sqs/internal/geom"
)

// LayerSource resolves a layer binding into its snapshot and features.
type LayerSource interface {
	GetLayer(ctx context.Context, name, url string) (domain.LayerInfo, *geom.FeatureTable, error)
}

type LayerDetails struct {
	domain.LayerInfo
	SQSTimestamp string `json:"sqs_timestamp"`
	ErrorMsg     string `json:"error_msg"`
}

type EvaluatedQuestion struct {
	Question           string        `json:"question"`
	Answer             string        `json:"answer"`
	VisibleToProponent bool          `json:"visible_to_proponent"`
	LayerDetails       *LayerDetails `json:"layer_details,omitempty"`
	Condition          []string      `json:"condition"`
	OperatorResponse   []string      `json:"operator_response"`
	ProponentAnswer    string        `json:"proponent_answer"`
	AssessorAnswer     string        `json:"assessor_answer"`

	Err error `json:"-"`
}

// Matched reports whether the overlay produced any operator result.
func (q EvaluatedQuestion) Matched() bool { return len(q.OperatorResponse) > 0 }

type GroupMetric struct {
	Group        string   `json:"question_group"`
	Layers       []string `json:"layers"`
	LayerFetchMS int64    `json:"layer_fetch_ms"`
	EvalMS       int64    `json:"evaluation_ms"`
	Error        string   `json:"error,omitempty"`
	Evaluated    int      `json:"evaluated"`
	Expired      int      `json:"expired"`
}

const timestampLayout = "2006-01-02 15:04:05"

type cachedLayer struct {
	info  domain.LayerInfo
	table *geom.FeatureTable
	err   error
}

// EvaluationContext owns the state of one prefill request: the user region,
// the masterlist groups and a layer cache that lives as long as the request.
type EvaluationContext struct {
	Region   geom.Region
	Groups   []QuestionGroup
	Layers   LayerSource
	Now      func() time.Time
	Location *time.Location
	Logger   *log.Logger

	cache   map[string]cachedLayer
	metrics []GroupMetric
}

// NewEvaluationContext parses the user geometry and binds it to the groups.
func NewEvaluationContext(geojson []byte, groups []QuestionGroup, layers LayerSource) (*EvaluationContext, error) {
	table, err := geom.ParseFeatureCollection(geojson)
	if err != nil {
		return nil, err
	}
	region, err := geom.RegionOf(table)
	if err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}
	return &EvaluationContext{
		Region: region,
		Groups: groups,
		Layers: layers,
		cache:  map[string]cachedLayer{},
	}, nil
}

func (e *EvaluationContext) now() time.Time {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	if e.Location != nil {
		now = now.In(e.Location)
	}
	return now
}

func (e *EvaluationContext) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Metrics returns the per-group records collected so far.
func (e *EvaluationContext) Metrics() []GroupMetric {
	return append([]GroupMetric(nil), e.metrics...)
}

func (e *EvaluationContext) groupQuestions(label string) ([]Question, bool) {
	for _, g := range e.Groups {
		if g.QuestionGroup == label {
			return append([]Question(nil), g.Questions...), true
		}
	}
	return nil, false
}

// sortByLayer keeps questions of the same layer contiguous, in first-seen layer order.
func sortByLayer(qs []Question) []string {
	order := map[string]int{}
	var layers []string
	for _, q := range qs {
		if _, ok := order[q.Layer.Name]; !ok {
			order[q.Layer.Name] = len(layers)
			layers = append(layers, q.Layer.Name)
		}
	}
	if len(layers) > 1 {
		sort.SliceStable(qs, func(i, j int) bool {
			return order[qs[i].Layer.Name] < order[qs[j].Layer.Name]
		})
	}
	return layers
}

func (e *EvaluationContext) layer(ctx context.Context, ref LayerRef) (domain.LayerInfo, *geom.FeatureTable, error) {
	if e.cache == nil {
		e.cache = map[string]cachedLayer{}
	}
	if c, ok := e.cache[ref.Name]; ok {
		return c.info, c.table, c.err
	}
	var c cachedLayer
	if e.Layers == nil {
		c.err = LayerUnavailableError{Layer: ref.Name, URL: ref.URL, Err: errors.New("no layer source")}
	} else {
		info, table, err := e.Layers.GetLayer(ctx, ref.Name, ref.URL)
		switch {
		case err != nil:
			var lu LayerUnavailableError
			if !errors.As(err, &lu) {
				err = LayerUnavailableError{Layer: ref.Name, URL: ref.URL, Err: err}
			}
			c.err = err
		default:
			projected, perr := geom.Reproject(table, geom.CRS4326)
			if perr != nil {
				c.err = LayerUnavailableError{Layer: ref.Name, URL: ref.URL, Err: perr}
			} else {
				c.info, c.table = info, projected
			}
		}
	}
	e.cache[ref.Name] = c
	return c.info, c.table, c.err
}

// EvaluateGroup evaluates every live question of the group labelled label.
// A layer that cannot be fetched aborts the group with LayerUnavailableError;
// all other failures are recorded on the question itself.
func (e *EvaluationContext) EvaluateGroup(ctx context.Context, label string, widget WidgetType) ([]EvaluatedQuestion, error) {
	questions, ok := e.groupQuestions(label)
	if !ok {
		return nil, nil
	}
	started := time.Now()
	metric := GroupMetric{Group: label, Layers: sortByLayer(questions)}
	defer func() {
		metric.EvalMS = time.Since(started).Milliseconds() - metric.LayerFetchMS
		if metric.EvalMS < 0 {
			metric.EvalMS = 0
		}
		e.metrics = append(e.metrics, metric)
	}()

	today := e.now()
	out := make([]EvaluatedQuestion, 0, len(questions))
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			metric.Error = err.Error()
			return nil, err
		}
		expired, err := q.Expired(today)
		if err != nil {
			out = append(out, e.failed(q, domain.LayerInfo{Name: q.Layer.Name}, today, widget, err))
			metric.Evaluated++
			continue
		}
		if expired {
			e.logger().Printf("[prefill] warning: expired %s, ignoring question %q", q.Expiry, q.Question)
			metric.Expired++
			continue
		}
		fetchStart := time.Now()
		info, table, err := e.layer(ctx, q.Layer)
		metric.LayerFetchMS += time.Since(fetchStart).Milliseconds()
		if err != nil {
			e.logger().Printf("[prefill] group %q: %v", label, err)
			metric.Error = err.Error()
			return nil, err
		}
		out = append(out, e.evaluate(q, info, table, today, widget))
		metric.Evaluated++
	}
	return out, nil
}

func (e *EvaluationContext) evaluate(q Question, info domain.LayerInfo, table *geom.FeatureTable, today time.Time, widget WidgetType) EvaluatedQuestion {
	overlay, err := e.overlay(q, table)
	if err != nil {
		return e.failed(q, info, today, widget, err)
	}
	filter, cmpErr := Compare(q, overlay)
	eq := EvaluatedQuestion{
		Question:           q.Question,
		Answer:             string(q.AnswerMLQ),
		VisibleToProponent: q.VisibleToProponent,
		LayerDetails:       &LayerDetails{LayerInfo: info, SQSTimestamp: today.Format(timestampLayout)},
		Condition:          q.Condition(),
		OperatorResponse:   OperatorResult(overlay, filter, q.ColumnName),
		ProponentAnswer:    ProponentAnswer(q, overlay, filter, widget),
		AssessorAnswer:     AssessorAnswer(q, overlay, filter),
	}
	if eq.OperatorResponse == nil {
		eq.OperatorResponse = []string{}
	}
	if cmpErr != nil {
		e.logQuestionError(q, cmpErr)
		eq.Err = cmpErr
		eq.LayerDetails.ErrorMsg = cmpErr.Error()
	}
	return eq
}

func (e *EvaluationContext) failed(q Question, info domain.LayerInfo, today time.Time, widget WidgetType, err error) EvaluatedQuestion {
	e.logQuestionError(q, err)
	empty := &geom.FeatureTable{}
	return EvaluatedQuestion{
		Question:           q.Question,
		Answer:             string(q.AnswerMLQ),
		VisibleToProponent: q.VisibleToProponent,
		LayerDetails: &LayerDetails{
			LayerInfo:    info,
			SQSTimestamp: today.Format(timestampLayout),
			ErrorMsg:     err.Error(),
		},
		Condition:        q.Condition(),
		OperatorResponse: []string{},
		ProponentAnswer:  ProponentAnswer(q, empty, RowFilter{}, widget),
		AssessorAnswer:   AssessorAnswer(q, empty, RowFilter{}),
		Err:              err,
	}
}

func (e *EvaluationContext) logQuestionError(q Question, err error) {
	e.logger().Printf("[prefill] question %q layer=%s column=%s operator=%s value=%q: %v",
		q.Question, q.Layer.Name, q.ColumnName, q.Operator, string(q.Value), err)
}

// overlay intersects the buffered region with the layer. Outside is the
// attribute complement of that intersection on column_name.
func (e *EvaluationContext) overlay(q Question, table *geom.FeatureTable) (*geom.FeatureTable, error) {
	meters, err := q.BufferMeters()
	if err != nil {
		return nil, OperatorError{Layer: q.Layer.Name, Column: q.ColumnName, Operator: q.Operator, Value: string(q.Value), Err: err}
	}
	hit := geom.Intersection(table, geom.Buffer(e.Region, meters))
	switch q.How {
	case HowOverlapping:
		return hit, nil
	case HowOutside:
		if !table.HasColumn(q.ColumnName) {
			return hit, nil
		}
		inside := map[string]bool{}
		for _, f := range hit.Features {
			inside[geom.CellString(f.Properties[q.ColumnName])] = true
		}
		var rows []int
		for i, f := range table.Features {
			if !inside[geom.CellString(f.Properties[q.ColumnName])] {
				rows = append(rows, i)
			}
		}
		return table.Subset(rows), nil
	}
	return nil, OperatorError{
		Layer:    q.Layer.Name,
		Column:   q.ColumnName,
		Operator: q.Operator,
		Value:    string(q.Value),
		Err:      fmt.Errorf("unknown overlay %q", q.How),
	}
}

// EvaluateSingle evaluates an ad-hoc list of questions for one widget.
// Questions that fail are logged and left out of the answer lists.
func (e *EvaluationContext) EvaluateSingle(ctx context.Context, question string, widget WidgetType, questions []Question) (SingleResponse, error) {
	res := SingleResponse{
		Question:        question,
		WidgetType:      string(widget),
		ProponentAnswer: []string{},
		AssessorAnswer:  []string{},
	}
	today := e.now()
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if expired, err := q.Expired(today); err != nil || expired {
			if err != nil {
				e.logQuestionError(q, err)
			}
			continue
		}
		info, table, err := e.layer(ctx, q.Layer)
		if err != nil {
			return res, err
		}
		eq := e.evaluate(q, info, table, today, widget)
		if eq.Err != nil {
			continue
		}
		res.ProponentAnswer = append(res.ProponentAnswer, eq.ProponentAnswer)
		res.AssessorAnswer = append(res.AssessorAnswer, eq.AssessorAnswer)
	}
	return res, nil
}
