package server

import (
	"encoding/json"

	"sqs/internal/domain"
	"sqs/internal/engine"
)

// Request payloads

type CreateLayerRequest struct {
	LayerName string         `json:"layer_name"`
	URL       string         `json:"url,omitempty"`
	GeoJSON   map[string]any `json:"geojson,omitempty"`
}

type SetLayerActiveRequest struct {
	Active bool `json:"active"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role"`
}

// Response payloads

type TaskListResponse struct {
	Items []engine.TaskView `json:"items"`
}

type LayerListResponse struct {
	Items []domain.Layer `json:"items"`
}

type LayerVersionsResponse struct {
	Layer string                `json:"layer"`
	Items []domain.LayerVersion `json:"items"`
}

// RequestLogResponse carries the stored payloads as JSON documents rather
// than strings.
type RequestLogResponse struct {
	ID          int64  `json:"id"`
	RequestType string `json:"request_type" enum:"FULL,PARTIAL,SINGLE"`
	System      string `json:"system"`
	AppID       int64  `json:"app_id"`
	Data        any    `json:"data,omitempty"`
	Response    any    `json:"response,omitempty"`
	Digest      string `json:"digest,omitempty"`
	When        string `json:"when" format:"date-time"`
}

type RequestLogListResponse struct {
	Items []RequestLogResponse `json:"items"`
}

type RequestDetailsResponse struct {
	Log           RequestLogResponse `json:"log"`
	Layers        []string           `json:"layers"`
	MissingLayers []string           `json:"missing_layers"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only set on creation.
	Key string `json:"key,omitempty"`
}

type APIKeyListResponse struct {
	Items []APIKeyResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type StatusResponse struct {
	System     string         `json:"system"`
	Queued     int            `json:"queued"`
	TaskCounts map[string]int `json:"task_counts"`
	Layers     int            `json:"layers"`
}

func rawJSON(s string) any {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func requestLogResponse(l domain.RequestLog) RequestLogResponse {
	return RequestLogResponse{
		ID:          l.ID,
		RequestType: l.RequestType,
		System:      l.System,
		AppID:       l.AppID,
		Data:        rawJSON(l.DataJSON),
		Response:    rawJSON(l.ResponseJSON),
		Digest:      l.Digest,
		When:        l.When,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &out.Payload)
	}
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Role:      k.Role,
		CreatedAt: k.CreatedAt,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
