package prefill

import (
	"fmt"
	"sort"
)

// ProvenanceEntry links one resolved field to the layer snapshot and the
// evaluated question that produced it.
type ProvenanceEntry struct {
	Name     string `json:"name"`
	Response string `json:"response"`
	LayerDetails
	SQSData EvaluatedQuestion `json:"sqs_data"`
}

func provenance(name, response string, q EvaluatedQuestion) ProvenanceEntry {
	p := ProvenanceEntry{Name: name, Response: response}
	if q.LayerDetails != nil {
		p.LayerDetails = *q.LayerDetails
	}
	q.LayerDetails = nil
	p.SQSData = q
	return p
}

// WidgetAnswer is the resolved value of one schema item. An unmatched
// answer is the none-selected result.
type WidgetAnswer struct {
	Matched      bool
	Value        string
	Values       []string
	Labels       []string
	Provenance   []ProvenanceEntry
	AssessorInfo string
	Err          error
}

var NoneSelected = WidgetAnswer{}

func optionValue(o Option) string {
	if o.Value == "" {
		return o.Label
	}
	return string(o.Value)
}

// Resolve maps evaluated questions onto the answer shape of item's widget.
func Resolve(item SchemaItem, evaluated []EvaluatedQuestion) WidgetAnswer {
	if len(evaluated) == 0 {
		return NoneSelected
	}
	if item.Kind() == KindCheckboxGroup {
		return resolveCheckboxGroup(item, evaluated)
	}
	switch item.Widget() {
	case WidgetRadio:
		return resolveRadio(item, evaluated)
	case WidgetCheckbox:
		return resolveCheckboxGroup(SchemaItem{Name: item.Name, Children: []SchemaItem{item}}, evaluated)
	case WidgetSelect, WidgetMultiSelect:
		return resolveSelect(item, evaluated)
	case WidgetText, WidgetTextArea:
		return resolveText(item, evaluated)
	}
	return NoneSelected
}

// resolveRadio returns the first option, in declared order, whose label
// matches a question with a non-empty operator response.
func resolveRadio(item SchemaItem, evaluated []EvaluatedQuestion) WidgetAnswer {
	for _, opt := range item.Options {
		label := fold(opt.Label)
		for _, q := range evaluated {
			if label != fold(q.Answer) || !q.Matched() {
				continue
			}
			return WidgetAnswer{
				Matched:    true,
				Value:      optionValue(opt),
				Labels:     []string{opt.Label},
				Provenance: []ProvenanceEntry{provenance(item.Name, opt.Label, q)},
			}
		}
	}
	return NoneSelected
}

func resolveCheckboxGroup(item SchemaItem, evaluated []EvaluatedQuestion) WidgetAnswer {
	var ans WidgetAnswer
	seen := map[string]bool{}
	for _, child := range item.Children {
		if child.Widget() != WidgetCheckbox {
			continue
		}
		label := fold(child.Label)
		for _, q := range evaluated {
			if label != fold(q.Answer) || !q.Matched() {
				continue
			}
			if !seen[child.Label] {
				seen[child.Label] = true
				ans.Labels = append(ans.Labels, child.Label)
			}
			ans.Provenance = append(ans.Provenance, provenance(child.Name, child.Label, q))
		}
	}
	ans.Values = ans.Labels
	ans.Matched = len(ans.Labels) > 0
	return ans
}

func resolveSelect(item SchemaItem, evaluated []EvaluatedQuestion) WidgetAnswer {
	if len(evaluated) > 1 {
		return WidgetAnswer{Err: fmt.Errorf("%s %q: expected one question, got %d", item.Type, item.Name, len(evaluated))}
	}
	q := evaluated[0]
	response := make(map[string]bool, len(q.OperatorResponse))
	for _, v := range q.OperatorResponse {
		response[fold(v)] = true
	}
	var matched []Option
	for _, opt := range item.Options {
		if response[fold(opt.Label)] {
			matched = append(matched, opt)
		}
	}
	if len(matched) == 0 {
		return NoneSelected
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := fold(matched[i].Label), fold(matched[j].Label)
		if a != b {
			return a < b
		}
		return matched[i].Label < matched[j].Label
	})
	if item.Widget() == WidgetSelect {
		matched = matched[:1]
	}
	ans := WidgetAnswer{Matched: true, AssessorInfo: q.AssessorAnswer}
	for _, opt := range matched {
		v := optionValue(opt)
		ans.Values = append(ans.Values, v)
		ans.Labels = append(ans.Labels, opt.Label)
		ans.Provenance = append(ans.Provenance, provenance(item.Name, v, q))
	}
	ans.Value = ans.Values[0]
	return ans
}

// resolveText copies the proponent answer. A question with neither a
// proponent answer nor assessor info leaves the field unset.
func resolveText(item SchemaItem, evaluated []EvaluatedQuestion) WidgetAnswer {
	q := evaluated[0]
	if q.ProponentAnswer == "" && q.AssessorAnswer == "" {
		return NoneSelected
	}
	return WidgetAnswer{
		Matched:      true,
		Value:        q.ProponentAnswer,
		AssessorInfo: q.AssessorAnswer,
		Provenance:   []ProvenanceEntry{provenance(item.Name, q.ProponentAnswer, q)},
	}
}
