package prefill

import (
	"context"
	"errors"
	"log"
	"sort"
)

// Document is one nested prefill answer map keyed by schema item name.
type Document map[string]any

// Response is the document returned for a FULL or PARTIAL evaluation.
type Response struct {
	System          string            `json:"system"`
	Data            []Document        `json:"data"`
	LayerData       []ProvenanceEntry `json:"layer_data"`
	AddInfoAssessor map[string]string `json:"add_info_assessor"`
	Metrics         []GroupMetric     `json:"metrics,omitempty"`
}

// Evaluator answers one question group for a widget type.
type Evaluator interface {
	EvaluateGroup(ctx context.Context, label string, widget WidgetType) ([]EvaluatedQuestion, error)
}

// Walker resolves a schema forest depth first. A Walker is single use.
type Walker struct {
	Evaluator Evaluator
	Logger    *log.Logger

	provenance []ProvenanceEntry
	assessor   map[string]string
}

func (w *Walker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Walk resolves schema with ev using a fresh Walker.
func Walk(ctx context.Context, schema []SchemaItem, ev Evaluator) (Document, []ProvenanceEntry, map[string]string, error) {
	w := &Walker{Evaluator: ev}
	return w.Walk(ctx, schema)
}

// Walk returns the prefill document, the provenance trail and the assessor
// notes. Only a malformed root item or a cancelled context fail the walk.
func (w *Walker) Walk(ctx context.Context, schema []SchemaItem) (Document, []ProvenanceEntry, map[string]string, error) {
	w.provenance = []ProvenanceEntry{}
	w.assessor = map[string]string{}
	doc := Document{}
	for _, it := range schema {
		if err := it.validate(); err != nil {
			return nil, nil, nil, err
		}
	}
	for _, it := range schema {
		data, err := w.item(ctx, it, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		merge(doc, data)
	}
	return doc, w.provenance, w.assessor, nil
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func (w *Walker) item(ctx context.Context, it SchemaItem, checked []string) (map[string]any, error) {
	data := map[string]any{}
	switch it.Kind() {
	case KindLeaf:
		if err := w.leaf(ctx, it, checked, data); err != nil {
			return nil, err
		}
	case KindContainer:
		block, err := w.block(ctx, it, it.Repeat(), checked)
		if err != nil {
			return nil, err
		}
		data[it.Name] = block
	case KindCheckboxGroup:
		ans, err := w.resolve(ctx, it)
		if err != nil {
			return nil, err
		}
		if ans.Matched {
			w.record(it, ans)
			block, err := w.block(ctx, it, 1, ans.Labels)
			if err != nil {
				return nil, err
			}
			data[it.Name] = block
		}
	}
	if err := w.conditions(ctx, it, checked, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (w *Walker) leaf(ctx context.Context, it SchemaItem, checked []string, data map[string]any) error {
	widget := it.Widget()
	if widget == WidgetCheckbox {
		for _, label := range checked {
			if label == it.Label {
				data[it.Name] = "on"
				break
			}
		}
		return nil
	}
	switch widget {
	case WidgetRadio, WidgetSelect, WidgetMultiSelect, WidgetText, WidgetTextArea:
	default:
		return nil
	}
	ans, err := w.resolve(ctx, it)
	if err != nil || !ans.Matched {
		return err
	}
	w.record(it, ans)
	if widget == WidgetMultiSelect {
		data[it.Name] = append([]string(nil), ans.Values...)
	} else {
		data[it.Name] = ans.Value
	}
	return nil
}

// resolve evaluates the item's question group. Group failures leave the
// field unanswered; only context errors propagate.
func (w *Walker) resolve(ctx context.Context, it SchemaItem) (WidgetAnswer, error) {
	if w.Evaluator == nil {
		return NoneSelected, nil
	}
	evaluated, err := w.Evaluator.EvaluateGroup(ctx, it.Label, it.Widget())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return NoneSelected, err
		}
		w.logger().Printf("[prefill] field %q (%s): %v", it.Name, it.Label, err)
		return NoneSelected, nil
	}
	ans := Resolve(it, evaluated)
	if ans.Err != nil {
		w.logger().Printf("[prefill] field %q: %v", it.Name, ans.Err)
	}
	return ans, nil
}

func (w *Walker) record(it SchemaItem, ans WidgetAnswer) {
	w.provenance = append(w.provenance, ans.Provenance...)
	if ans.AssessorInfo != "" {
		w.assessor[it.Name] = ans.AssessorInfo
	}
}

func (w *Walker) block(ctx context.Context, it SchemaItem, n int, checked []string) ([]map[string]any, error) {
	out := make([]map[string]any, 0, n)
	for r := 0; r < n; r++ {
		child := map[string]any{}
		for _, c := range it.Children {
			data, err := w.child(ctx, it, c, checked)
			if err != nil {
				return nil, err
			}
			merge(child, data)
		}
		out = append(out, child)
	}
	return out, nil
}

func (w *Walker) child(ctx context.Context, parent, c SchemaItem, checked []string) (map[string]any, error) {
	if err := c.validate(); err != nil {
		w.logger().Printf("[prefill] skipping child of %q: %v", parent.Name, err)
		return nil, nil
	}
	return w.item(ctx, c, checked)
}

func (w *Walker) conditions(ctx context.Context, it SchemaItem, checked []string, data map[string]any) error {
	if len(it.Conditions) == 0 {
		return nil
	}
	value, ok := data[it.Name].(string)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(it.Conditions))
	for k := range it.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != value {
			continue
		}
		for _, c := range it.Conditions[k] {
			cd, err := w.child(ctx, it, c, checked)
			if err != nil {
				return err
			}
			merge(data, cd)
		}
	}
	return nil
}

// Prefill walks schema against ec and assembles the response document.
func Prefill(ctx context.Context, system string, schema []SchemaItem, ec *EvaluationContext, includeMetrics bool) (*Response, error) {
	w := &Walker{Evaluator: ec, Logger: ec.Logger}
	doc, prov, assessor, err := w.Walk(ctx, schema)
	if err != nil {
		return nil, err
	}
	res := &Response{
		System:          system,
		Data:            []Document{doc},
		LayerData:       prov,
		AddInfoAssessor: assessor,
	}
	if includeMetrics {
		res.Metrics = ec.Metrics()
	}
	return res, nil
}
