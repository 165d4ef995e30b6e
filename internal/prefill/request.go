package prefill

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Text is a loosely typed JSON scalar kept in its textual form. Numbers,
// booleans and null are accepted; null decodes to "".
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		return fmt.Errorf("expected scalar, got %s", string(b))
	}
	*t = Text(b)
	return nil
}

func (t Text) String() string { return string(t) }

// AppID is a proposal id; JSON numbers and numeric strings are accepted.
type AppID int64

func (a *AppID) UnmarshalJSON(b []byte) error {
	var t Text
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	if t == "" {
		*a = 0
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid proposal id %q", string(t))
	}
	*a = AppID(n)
	return nil
}

type LayerRef struct {
	Name string `json:"layer_name"`
	URL  string `json:"layer_url,omitempty"`
}

// AnswerItem is one line of composed answer text: an optional prefix and a
// column whose filtered values follow it.
type AnswerItem struct {
	Prefix string `json:"prefix,omitempty"`
	Answer string `json:"answer,omitempty"`
	Info   string `json:"info,omitempty"`
}

const (
	HowOverlapping = "Overlapping"
	HowOutside     = "Outside"
)

type Question struct {
	ID                  Text         `json:"id"`
	Question            string       `json:"question"`
	AnswerMLQ           Text         `json:"answer_mlq"`
	How                 string       `json:"how"`
	ColumnName          string       `json:"column_name"`
	Operator            string       `json:"operator"`
	Value               Text         `json:"value"`
	Buffer              Text         `json:"buffer"`
	Expiry              Text         `json:"expiry"`
	Layer               LayerRef     `json:"layer"`
	VisibleToProponent  bool         `json:"visible_to_proponent"`
	ProponentItems      []AnswerItem `json:"proponent_items,omitempty"`
	AssessorItems       []AnswerItem `json:"assessor_items,omitempty"`
	NoPolygonsProponent Text         `json:"no_polygons_proponent,omitempty"`
	NoPolygonsAssessor  Text         `json:"no_polygons_assessor,omitempty"`

	// Older masterlist entries carry a single prefix/column pair instead of item lists.
	PrefixAnswer Text `json:"prefix_answer,omitempty"`
	Answer       Text `json:"answer,omitempty"`
	PrefixInfo   Text `json:"prefix_info,omitempty"`
	AssessorInfo Text `json:"assessor_info,omitempty"`
}

// BufferMeters returns the buffer distance; blank means none.
func (q Question) BufferMeters() (float64, error) {
	s := strings.TrimSpace(string(q.Buffer))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer %q for question %q", s, q.Question)
	}
	return v, nil
}

const dateLayout = "2006-01-02"

// Expired reports whether the expiry date is strictly before today.
func (q Question) Expired(today time.Time) (bool, error) {
	s := strings.TrimSpace(string(q.Expiry))
	if s == "" {
		return false, nil
	}
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	exp, err := time.ParseInLocation(dateLayout, s, today.Location())
	if err != nil {
		return false, fmt.Errorf("invalid expiry %q for question %q", string(q.Expiry), q.Question)
	}
	y, m, d := today.Date()
	return exp.Before(time.Date(y, m, d, 0, 0, 0, 0, today.Location())), nil
}

func (q Question) proponentItems() []AnswerItem {
	if len(q.ProponentItems) > 0 {
		return q.ProponentItems
	}
	if q.PrefixAnswer == "" && q.Answer == "" {
		return nil
	}
	return []AnswerItem{{Prefix: string(q.PrefixAnswer), Answer: string(q.Answer)}}
}

func (q Question) assessorItems() []AnswerItem {
	if len(q.AssessorItems) > 0 {
		return q.AssessorItems
	}
	if q.PrefixInfo == "" && q.AssessorInfo == "" {
		return nil
	}
	return []AnswerItem{{Prefix: string(q.PrefixInfo), Info: string(q.AssessorInfo)}}
}

// polygonLimit reads a no_polygons_* setting; absent or invalid means -1.
func polygonLimit(t Text) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(t)))
	if err != nil {
		return -1
	}
	return n
}

// Condition renders [how, "<column> -- <operator>[ -- <value>]"].
func (q Question) Condition() []string {
	expr := q.ColumnName + " -- " + q.Operator
	if v := strings.TrimSpace(string(q.Value)); v != "" {
		expr += " -- " + v
	}
	return []string{q.How, expr}
}

type QuestionGroup struct {
	QuestionGroup string     `json:"question_group"`
	Questions     []Question `json:"questions"`
}

type Proposal struct {
	ID        AppID           `json:"id"`
	Schema    []SchemaItem    `json:"schema"`
	CurrentTS Text            `json:"current_ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Request is a FULL or PARTIAL prefill query.
type Request struct {
	System              string          `json:"system"`
	Requester           string          `json:"requester,omitempty"`
	RequestType         string          `json:"request_type,omitempty"`
	Proposal            Proposal        `json:"proposal"`
	GeoJSON             json.RawMessage `json:"geojson"`
	MasterlistQuestions []QuestionGroup `json:"masterlist_questions"`
}

// LayerNames lists the distinct layers referenced by the request.
func (r Request) LayerNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range r.MasterlistQuestions {
		for _, q := range g.Questions {
			if q.Layer.Name == "" || seen[q.Layer.Name] {
				continue
			}
			seen[q.Layer.Name] = true
			out = append(out, q.Layer.Name)
		}
	}
	return out
}

// SingleRequest evaluates one schema question against ad-hoc masterlist entries.
type SingleRequest struct {
	System     string          `json:"system"`
	Requester  string          `json:"requester,omitempty"`
	Proposal   Proposal        `json:"proposal"`
	Question   string          `json:"question"`
	WidgetType string          `json:"widget_type"`
	Questions  []Question      `json:"cddp_info"`
	GeoJSON    json.RawMessage `json:"geojson"`
}

type SingleResponse struct {
	Question        string   `json:"question"`
	WidgetType      string   `json:"widget_type"`
	ProponentAnswer []string `json:"proponent_answer"`
	AssessorAnswer  []string `json:"assessor_answer"`
}
