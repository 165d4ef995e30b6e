package prefill

import (
	"strconv"
	"strings"
)

type WidgetType string

const (
	WidgetSection     WidgetType = "section"
	WidgetGroup       WidgetType = "group"
	WidgetCheckbox    WidgetType = "checkbox"
	WidgetRadio       WidgetType = "radiobuttons"
	WidgetSelect      WidgetType = "select"
	WidgetMultiSelect WidgetType = "multi-select"
	WidgetText        WidgetType = "text"
	WidgetTextArea    WidgetType = "text_area"
	WidgetLabel       WidgetType = "label"
	WidgetFile        WidgetType = "file"
	WidgetOther       WidgetType = ""
)

// ParseWidgetType maps a schema type onto the closed widget set. Unknown
// types become WidgetOther and are never prefilled.
func ParseWidgetType(s string) WidgetType {
	switch w := WidgetType(strings.TrimSpace(s)); w {
	case WidgetSection, WidgetGroup, WidgetCheckbox, WidgetRadio, WidgetSelect,
		WidgetMultiSelect, WidgetText, WidgetTextArea, WidgetLabel, WidgetFile:
		return w
	}
	return WidgetOther
}

func (w WidgetType) IsText() bool { return w == WidgetText || w == WidgetTextArea }

type ItemKind int

const (
	KindLeaf ItemKind = iota
	KindCheckboxGroup
	KindContainer
)

func (k ItemKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindCheckboxGroup:
		return "checkbox-group"
	}
	return "container"
}

type Option struct {
	Label string `json:"label"`
	Value Text   `json:"value"`
}

type SchemaItem struct {
	Name       string                  `json:"name"`
	Label      string                  `json:"label,omitempty"`
	Type       string                  `json:"type"`
	Children   []SchemaItem            `json:"children,omitempty"`
	Options    []Option                `json:"options,omitempty"`
	Repetition *Text                   `json:"repetition,omitempty"`
	Conditions map[string][]SchemaItem `json:"conditions,omitempty"`
}

func (it SchemaItem) Widget() WidgetType { return ParseWidgetType(it.Type) }

// Kind classifies the item. Repeated containers are never checkbox groups.
func (it SchemaItem) Kind() ItemKind {
	if it.Children == nil {
		return KindLeaf
	}
	if it.Repetition == nil {
		for _, c := range it.Children {
			if c.Widget() == WidgetCheckbox {
				return KindCheckboxGroup
			}
		}
	}
	return KindContainer
}

// Repeat returns how many child blocks a container produces, at least 1.
func (it SchemaItem) Repeat() int {
	if it.Repetition == nil {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(*it.Repetition)))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (it SchemaItem) validate() error {
	switch {
	case strings.TrimSpace(it.Name) == "":
		return SchemaMalformedError{Item: it.Label, Reason: "missing name"}
	case strings.TrimSpace(it.Type) == "":
		return SchemaMalformedError{Item: it.Name, Reason: "missing type"}
	}
	return nil
}
