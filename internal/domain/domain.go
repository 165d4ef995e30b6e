package domain

import "time"

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a timestamp written by FormatTime or RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

const (
	TaskCreated      = "created"
	TaskRunning      = "running"
	TaskCompleted    = "completed"
	TaskFailed       = "failed"
	TaskCancelled    = "cancelled"
	TaskError        = "error"
	TaskMaxQueueTime = "max_queue_time"
	TaskMaxRetries   = "max_retries"
)

const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ParsePriority accepts high|normal|low or 1..3. Empty means normal.
func ParsePriority(s string) (int, bool) {
	switch s {
	case "", "normal", "2":
		return PriorityNormal, true
	case "high", "1":
		return PriorityHigh, true
	case "low", "3":
		return PriorityLow, true
	}
	return 0, false
}

const (
	RequestFull    = "FULL"
	RequestPartial = "PARTIAL"
	RequestSingle  = "SINGLE"
)

func ValidRequestType(s string) bool {
	return s == RequestFull || s == RequestPartial || s == RequestSingle
}

type Task struct {
	ID           string  `json:"id"`
	AppID        int64   `json:"app_id"`
	System       string  `json:"system"`
	Requester    string  `json:"requester"`
	Script       string  `json:"script,omitempty"`
	Description  string  `json:"description,omitempty"`
	Parameters   string  `json:"parameters,omitempty"`
	Status       string  `json:"status" enum:"created,running,completed,failed,cancelled,error,max_queue_time,max_retries"`
	Priority     int     `json:"priority" enum:"1,2,3"`
	StartTime    *string `json:"start_time,omitempty" format:"date-time"`
	EndTime      *string `json:"end_time,omitempty" format:"date-time"`
	Stdout       string  `json:"stdout,omitempty"`
	Stderr       string  `json:"stderr,omitempty"`
	RequestLogID *int64  `json:"request_log_id,omitempty"`
	Created      string  `json:"created" format:"date-time"`
	Retries      int     `json:"retries"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// TimeTaken returns the run duration in minutes, when known.
func (t Task) TimeTaken() *float64 {
	if t.StartTime == nil || t.EndTime == nil {
		return nil
	}
	start, err1 := ParseTime(*t.StartTime)
	end, err2 := ParseTime(*t.EndTime)
	if err1 != nil || err2 != nil {
		return nil
	}
	mins := float64(int(end.Sub(start).Minutes()*100)) / 100
	return &mins
}

type RequestLog struct {
	ID           int64  `json:"id"`
	RequestType  string `json:"request_type" enum:"FULL,PARTIAL,SINGLE"`
	System       string `json:"system"`
	AppID        int64  `json:"app_id"`
	DataJSON     string `json:"data,omitempty"`
	ResponseJSON string `json:"response,omitempty"`
	Digest       string `json:"digest,omitempty"`
	When         string `json:"when" format:"date-time"`
}

// HasResponse reports whether an evaluation result was stored.
func (l RequestLog) HasResponse() bool {
	return l.ResponseJSON != "" && l.ResponseJSON != "{}" && l.ResponseJSON != "null"
}

type AttrValues struct {
	Attribute string   `json:"attribute"`
	Values    []string `json:"values"`
}

type Layer struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	URL         string       `json:"url"`
	Version     int          `json:"version"`
	Active      bool         `json:"active"`
	CRS         string       `json:"crs"`
	GeoJSON     string       `json:"-"`
	AttrValues  []AttrValues `json:"attr_values,omitempty"`
	ContentHash string       `json:"content_hash"`
	SizeBytes   int64        `json:"size_bytes"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	ModifiedAt  string       `json:"modified_at" format:"date-time"`
}

// Attributes lists the attribute names of the layer.
func (l Layer) Attributes() []string {
	out := make([]string, 0, len(l.AttrValues))
	for _, av := range l.AttrValues {
		out = append(out, av.Attribute)
	}
	return out
}

type LayerVersion struct {
	LayerID     int64  `json:"layer_id"`
	Version     int    `json:"version"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// LayerInfo is the snapshot of a layer attached to evaluated questions.
type LayerInfo struct {
	Name         string `json:"layer_name"`
	Version      int    `json:"layer_version"`
	CRS          string `json:"-"`
	CreatedDate  string `json:"layer_created_date"`
	ModifiedDate string `json:"layer_modified_date"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
