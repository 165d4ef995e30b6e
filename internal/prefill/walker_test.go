package prefill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"sqs/internal/domain"
	"sqs/internal/geom"
)

const regionsLayer = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"region": "Region A", "office": "North"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {"region": "Region B", "office": "South"},
     "geometry": {"type": "Polygon", "coordinates": [[[1.01,0],[2,0],[2,1],[1.01,1],[1.01,0]]]}},
    {"type": "Feature", "properties": {"region": "Region C", "office": "East"},
     "geometry": {"type": "Polygon", "coordinates": [[[5,5],[6,5],[6,6],[5,6],[5,5]]]}}
  ]
}`

const insideRegionA = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},
  "geometry":{"type":"Polygon","coordinates":[[[0.2,0.2],[0.4,0.2],[0.4,0.4],[0.2,0.4],[0.2,0.2]]]}}]}`

type fakeLayers struct {
	layers map[string]string
	calls  map[string]int
}

func newFakeLayers() *fakeLayers {
	return &fakeLayers{layers: map[string]string{"regions": regionsLayer}, calls: map[string]int{}}
}

func (f *fakeLayers) GetLayer(_ context.Context, name, _ string) (domain.LayerInfo, *geom.FeatureTable, error) {
	f.calls[name]++
	data, ok := f.layers[name]
	if !ok {
		return domain.LayerInfo{}, nil, errors.New("layer not found")
	}
	t, err := geom.ParseFeatureCollection([]byte(data))
	if err != nil {
		return domain.LayerInfo{}, nil, err
	}
	return domain.LayerInfo{Name: name, Version: 3, CRS: t.CRS, CreatedDate: "2024-01-01 00:00:00"}, t, nil
}

func newContext(t *testing.T, src LayerSource, groups ...QuestionGroup) *EvaluationContext {
	t.Helper()
	ec, err := NewEvaluationContext([]byte(insideRegionA), groups, src)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	ec.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	ec.Logger = log.New(io.Discard, "", 0)
	return ec
}

func regionQuestion(label, answer, how string) Question {
	return Question{
		Question:           label,
		AnswerMLQ:          Text(answer),
		How:                how,
		ColumnName:         "region",
		Operator:           OpIsNotNull,
		Layer:              LayerRef{Name: "regions"},
		VisibleToProponent: true,
	}
}

func radioItem(name, label string) SchemaItem {
	return SchemaItem{
		Name:  name,
		Label: label,
		Type:  "radiobuttons",
		Options: []Option{
			{Label: "Region A", Value: "region-a"},
			{Label: "Region B", Value: "region-b"},
		},
	}
}

func TestRadioResolvesRegionA(t *testing.T) {
	group := QuestionGroup{QuestionGroup: "Which region?", Questions: []Question{regionQuestion("Which region?", "Region A", HowOverlapping)}}
	ec := newContext(t, newFakeLayers(), group)
	doc, prov, _, err := Walk(context.Background(), []SchemaItem{radioItem("region", "Which region?")}, ec)
	if err != nil {
		t.Fatal(err)
	}
	if doc["region"] != "region-a" {
		t.Fatalf("region = %v", doc["region"])
	}
	if len(prov) != 1 {
		t.Fatalf("expected 1 provenance entry, got %d", len(prov))
	}
	p := prov[0]
	if p.Name != "region" || p.Response != "Region A" || p.LayerInfo.Name != "regions" || p.LayerInfo.Version != 3 {
		t.Fatalf("unexpected provenance %+v", p)
	}
	if p.SQSData.LayerDetails != nil {
		t.Fatalf("sqs_data must not repeat layer details")
	}
	if p.SQSTimestamp != "2024-06-01 00:00:00" {
		t.Fatalf("timestamp %q", p.SQSTimestamp)
	}
}

func TestRadioFirstDeclaredOptionWins(t *testing.T) {
	qa := regionQuestion("Region?", "Region A", HowOverlapping)
	qb := regionQuestion("Region?", "Region B", HowOverlapping)
	group := QuestionGroup{QuestionGroup: "Region?", Questions: []Question{qb, qa}}
	item := radioItem("region", "Region?")
	for i := 0; i < 2; i++ {
		ec := newContext(t, newFakeLayers(), group)
		evaluated, err := ec.EvaluateGroup(context.Background(), "Region?", WidgetRadio)
		if err != nil {
			t.Fatal(err)
		}
		ans := Resolve(item, evaluated)
		if !ans.Matched || ans.Value != "region-a" {
			t.Fatalf("run %d: got %+v", i, ans)
		}
	}
}

func TestRadioNoneSelected(t *testing.T) {
	q := regionQuestion("Region?", "Region B", HowOverlapping)
	q.Operator = OpEquals
	q.Value = "Region B"
	ec := newContext(t, newFakeLayers(), QuestionGroup{QuestionGroup: "Region?", Questions: []Question{q}})
	evaluated, err := ec.EvaluateGroup(context.Background(), "Region?", WidgetRadio)
	if err != nil {
		t.Fatal(err)
	}
	if ans := Resolve(radioItem("region", "Region?"), evaluated); ans.Matched {
		t.Fatalf("expected none selected, got %+v", ans)
	}
}

func TestOutsideExcludesIntersection(t *testing.T) {
	group := QuestionGroup{QuestionGroup: "Outside?", Questions: []Question{regionQuestion("Outside?", "Region A", HowOutside)}}
	ec := newContext(t, newFakeLayers(), group)
	evaluated, err := ec.EvaluateGroup(context.Background(), "Outside?", WidgetRadio)
	if err != nil {
		t.Fatal(err)
	}
	if len(evaluated) != 1 {
		t.Fatalf("expected 1 result, got %d", len(evaluated))
	}
	got := evaluated[0].OperatorResponse
	if !reflect.DeepEqual(got, []string{"Region B", "Region C"}) {
		t.Fatalf("operator_response %v", got)
	}
	if want := []string{"Outside", "region -- IsNotNull"}; !reflect.DeepEqual(evaluated[0].Condition, want) {
		t.Fatalf("condition %v", evaluated[0].Condition)
	}
}

func TestBufferedQuestionReachesNeighbour(t *testing.T) {
	q := regionQuestion("Near?", "Region B", HowOverlapping)
	q.Operator = OpEquals
	q.Value = "Region B"
	q.Buffer = "70000"
	ec := newContext(t, newFakeLayers(), QuestionGroup{QuestionGroup: "Near?", Questions: []Question{q}})
	evaluated, err := ec.EvaluateGroup(context.Background(), "Near?", WidgetRadio)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(evaluated[0].OperatorResponse, []string{"Region B"}) {
		t.Fatalf("operator_response %v", evaluated[0].OperatorResponse)
	}
}

func TestExpiredOnlyGroupIsEmpty(t *testing.T) {
	q := regionQuestion("Old?", "Region A", HowOverlapping)
	q.Expiry = "2020-01-01"
	src := newFakeLayers()
	ec := newContext(t, src, QuestionGroup{QuestionGroup: "Old?", Questions: []Question{q}})
	evaluated, err := ec.EvaluateGroup(context.Background(), "Old?", WidgetRadio)
	if err != nil {
		t.Fatalf("expired group must not error: %v", err)
	}
	if len(evaluated) != 0 {
		t.Fatalf("expected no results, got %d", len(evaluated))
	}
	if src.calls["regions"] != 0 {
		t.Fatalf("expired questions must not fetch layers")
	}
	m := ec.Metrics()
	if len(m) != 1 || m[0].Expired != 1 || m[0].Evaluated != 0 {
		t.Fatalf("metrics %+v", m)
	}
}

func TestLayerFetchedOncePerRequest(t *testing.T) {
	src := newFakeLayers()
	ec := newContext(t, src,
		QuestionGroup{QuestionGroup: "One?", Questions: []Question{regionQuestion("One?", "Region A", HowOverlapping)}},
		QuestionGroup{QuestionGroup: "Two?", Questions: []Question{
			regionQuestion("Two?", "Region A", HowOverlapping),
			regionQuestion("Two?", "Region B", HowOutside),
		}},
	)
	schema := []SchemaItem{radioItem("one", "One?"), radioItem("two", "Two?")}
	if _, _, _, err := Walk(context.Background(), schema, ec); err != nil {
		t.Fatal(err)
	}
	if src.calls["regions"] != 1 {
		t.Fatalf("expected a single layer fetch, got %d", src.calls["regions"])
	}
}

func TestSortByLayerIsStable(t *testing.T) {
	mk := func(id, layer string) Question { return Question{ID: Text(id), Layer: LayerRef{Name: layer}} }
	qs := []Question{mk("1", "a"), mk("2", "b"), mk("3", "a"), mk("4", "c"), mk("5", "b")}
	layers := sortByLayer(qs)
	var ids []string
	for _, q := range qs {
		ids = append(ids, string(q.ID))
	}
	if !reflect.DeepEqual(ids, []string{"1", "3", "2", "5", "4"}) {
		t.Fatalf("order %v", ids)
	}
	if !reflect.DeepEqual(layers, []string{"a", "b", "c"}) {
		t.Fatalf("layers %v", layers)
	}
}

func TestMissingColumnDegradesQuestion(t *testing.T) {
	q := regionQuestion("Col?", "Region A", HowOverlapping)
	q.ColumnName = "district"
	ec := newContext(t, newFakeLayers(), QuestionGroup{QuestionGroup: "Col?", Questions: []Question{q}})
	evaluated, err := ec.EvaluateGroup(context.Background(), "Col?", WidgetRadio)
	if err != nil {
		t.Fatal(err)
	}
	eq := evaluated[0]
	if len(eq.OperatorResponse) != 0 || eq.Err == nil {
		t.Fatalf("expected degraded result, got %+v", eq)
	}
	if eq.LayerDetails == nil || eq.LayerDetails.ErrorMsg == "" {
		t.Fatalf("error_msg not recorded")
	}
}

func TestLayerUnavailableLeavesFieldUnanswered(t *testing.T) {
	q := regionQuestion("Gone?", "Region A", HowOverlapping)
	q.Layer = LayerRef{Name: "gone", URL: "http://example.invalid/gone.json"}
	ec := newContext(t, newFakeLayers(), QuestionGroup{QuestionGroup: "Gone?", Questions: []Question{q}})

	_, err := ec.EvaluateGroup(context.Background(), "Gone?", WidgetRadio)
	var lu LayerUnavailableError
	if !errors.As(err, &lu) || lu.Layer != "gone" {
		t.Fatalf("expected layer unavailable, got %v", err)
	}
	doc, _, _, err := Walk(context.Background(), []SchemaItem{radioItem("gone", "Gone?")}, ec)
	if err != nil {
		t.Fatalf("walk must not fail on group errors: %v", err)
	}
	if _, ok := doc["gone"]; ok {
		t.Fatalf("field should be unanswered")
	}
}

func TestCheckboxGroupSingleEvaluation(t *testing.T) {
	eqRegion := func(answer string) Question {
		q := regionQuestion("Regions", answer, HowOverlapping)
		q.Operator = OpEquals
		q.Value = Text(answer)
		return q
	}
	group := QuestionGroup{QuestionGroup: "Regions", Questions: []Question{eqRegion("Region A"), eqRegion("Region B")}}
	item := SchemaItem{
		Name: "regions", Label: "Regions", Type: "group",
		Children: []SchemaItem{
			{Name: "cb_a", Label: "Region A", Type: "checkbox"},
			{Name: "cb_b", Label: "Region B", Type: "checkbox"},
			{Name: "cb_c", Label: "Region C", Type: "checkbox"},
		},
	}
	if item.Kind() != KindCheckboxGroup {
		t.Fatalf("kind %v", item.Kind())
	}
	ec := newContext(t, newFakeLayers(), group)
	doc, prov, _, err := Walk(context.Background(), []SchemaItem{item}, ec)
	if err != nil {
		t.Fatal(err)
	}
	want := []map[string]any{{"cb_a": "on"}}
	if !reflect.DeepEqual(doc["regions"], want) {
		t.Fatalf("regions = %#v", doc["regions"])
	}
	if len(prov) != 1 || prov[0].Name != "cb_a" {
		t.Fatalf("provenance %+v", prov)
	}
	if m := ec.Metrics(); len(m) != 1 {
		t.Fatalf("expected one group evaluation, got %d", len(m))
	}
}

func TestSelectAndMultiSelect(t *testing.T) {
	q := regionQuestion("Offices", "", HowOverlapping)
	q.Buffer = "70000"
	group := QuestionGroup{QuestionGroup: "Offices", Questions: []Question{q}}
	options := []Option{{Label: "Region C", Value: "c"}, {Label: "region b", Value: "b"}, {Label: "Region A", Value: "a"}}
	schema := []SchemaItem{
		{Name: "multi", Label: "Offices", Type: "multi-select", Options: options},
		{Name: "single", Label: "Offices", Type: "select", Options: options},
	}
	ec := newContext(t, newFakeLayers(), group)
	doc, _, _, err := Walk(context.Background(), schema, ec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc["multi"], []string{"a", "b"}) {
		t.Fatalf("multi = %v", doc["multi"])
	}
	if doc["single"] != "a" {
		t.Fatalf("single = %v", doc["single"])
	}
}

func TestSelectRequiresOneQuestion(t *testing.T) {
	item := SchemaItem{Name: "s", Label: "S", Type: "select", Options: []Option{{Label: "A", Value: "a"}}}
	two := []EvaluatedQuestion{{OperatorResponse: []string{"A"}}, {OperatorResponse: []string{"A"}}}
	if ans := Resolve(item, two); ans.Matched || ans.Err == nil {
		t.Fatalf("expected ambiguous result, got %+v", ans)
	}
	if ans := Resolve(item, nil); ans.Matched || ans.Err != nil {
		t.Fatalf("zero questions must be a no-op, got %+v", ans)
	}
}

func TestConditionsAndAssessorInfo(t *testing.T) {
	notes := regionQuestion("Notes", "", HowOverlapping)
	notes.ProponentItems = []AnswerItem{{Prefix: "Region:", Answer: "region"}}
	notes.AssessorItems = []AnswerItem{{Prefix: "Office:", Info: "office"}}
	groups := []QuestionGroup{
		{QuestionGroup: "Which region?", Questions: []Question{regionQuestion("Which region?", "Region A", HowOverlapping)}},
		{QuestionGroup: "Notes", Questions: []Question{notes}},
	}
	item := radioItem("region", "Which region?")
	item.Conditions = map[string][]SchemaItem{
		"region-a": {{Name: "notes", Label: "Notes", Type: "text_area"}},
		"region-b": {{Name: "other", Label: "Notes", Type: "text"}},
	}
	ec := newContext(t, newFakeLayers(), groups...)
	doc, _, assessor, err := Walk(context.Background(), []SchemaItem{item}, ec)
	if err != nil {
		t.Fatal(err)
	}
	if doc["notes"] != "Region: Region A" {
		t.Fatalf("notes = %v", doc["notes"])
	}
	if _, ok := doc["other"]; ok {
		t.Fatalf("unmatched condition resolved")
	}
	if assessor["notes"] != "Office: North" {
		t.Fatalf("assessor = %v", assessor)
	}
}

func TestRepeatedContainer(t *testing.T) {
	rep := Text("2")
	item := SchemaItem{
		Name: "section", Label: "Section", Type: "section", Repetition: &rep,
		Children: []SchemaItem{radioItem("region", "Which region?"), {Label: "no name", Type: "text"}},
	}
	group := QuestionGroup{QuestionGroup: "Which region?", Questions: []Question{regionQuestion("Which region?", "Region A", HowOverlapping)}}
	ec := newContext(t, newFakeLayers(), group)
	doc, _, _, err := Walk(context.Background(), []SchemaItem{item}, ec)
	if err != nil {
		t.Fatalf("nested malformed items are skipped, got %v", err)
	}
	want := []map[string]any{{"region": "region-a"}, {"region": "region-a"}}
	if !reflect.DeepEqual(doc["section"], want) {
		t.Fatalf("section = %#v", doc["section"])
	}
}

func TestMalformedRootFails(t *testing.T) {
	ec := newContext(t, newFakeLayers())
	_, _, _, err := Walk(context.Background(), []SchemaItem{{Label: "nameless", Type: "text"}}, ec)
	var sm SchemaMalformedError
	if !errors.As(err, &sm) || sm.Item != "nameless" {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestPrefillResponseShape(t *testing.T) {
	group := QuestionGroup{QuestionGroup: "Which region?", Questions: []Question{regionQuestion("Which region?", "Region A", HowOverlapping)}}
	ec := newContext(t, newFakeLayers(), group)
	res, err := Prefill(context.Background(), "DAS", []SchemaItem{radioItem("region", "Which region?")}, ec, true)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"system", "data", "layer_data", "add_info_assessor", "metrics"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("missing %q in %s", key, raw)
		}
	}
	entry := decoded["layer_data"].([]any)[0].(map[string]any)
	for _, key := range []string{"name", "response", "layer_name", "layer_version", "sqs_timestamp", "error_msg", "sqs_data"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("provenance missing %q: %v", key, entry)
		}
	}
}

func TestEvaluateSingle(t *testing.T) {
	q := regionQuestion("Single", "", HowOverlapping)
	q.ProponentItems = []AnswerItem{{Prefix: "In", Answer: "region"}}
	bad := regionQuestion("Single", "", HowOverlapping)
	bad.ColumnName = "nope"
	ec := newContext(t, newFakeLayers())
	res, err := ec.EvaluateSingle(context.Background(), "Single", WidgetText, []Question{q, bad})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.ProponentAnswer, []string{"In Region A"}) {
		t.Fatalf("proponent %v", res.ProponentAnswer)
	}
	if len(res.AssessorAnswer) != 1 {
		t.Fatalf("assessor %v", res.AssessorAnswer)
	}
}

func TestRequestDecodesLooseScalars(t *testing.T) {
	raw := `{"system":"DAS","proposal":{"id":"42","schema":[]},"geojson":{},
	  "masterlist_questions":[{"question_group":"G","questions":[
	    {"question":"G","value":3,"buffer":null,"expiry":"","layer":{"layer_name":"regions"},"no_polygons_proponent":2}]}]}`
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}
	if req.Proposal.ID != 42 {
		t.Fatalf("id %d", req.Proposal.ID)
	}
	q := req.MasterlistQuestions[0].Questions[0]
	if q.Value != "3" || q.Buffer != "" || polygonLimit(q.NoPolygonsProponent) != 2 {
		t.Fatalf("question %+v", q)
	}
	if got := req.LayerNames(); !reflect.DeepEqual(got, []string{"regions"}) {
		t.Fatalf("layers %v", got)
	}
}
