package sqsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Spatial Query Service HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  2 * time.Minute,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           string  `json:"id"`
	AppID        int64   `json:"app_id"`
	System       string  `json:"system"`
	Requester    string  `json:"requester"`
	Status       string  `json:"status"`
	Priority     int     `json:"priority"`
	Created      string  `json:"created"`
	Retries      int     `json:"retries"`
	RequestLogID *int64  `json:"request_log_id,omitempty"`
	Position     *int    `json:"position,omitempty"`
	TimeTaken    float64 `json:"time_taken,omitempty"`
}

type EnqueueResult struct {
	Task     Task   `json:"task"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// QueryResult is a prefill response with the log it was stored on.
type QueryResult struct {
	RequestLogID int64
	Cached       bool
	Response     json.RawMessage
}

type SingleResult struct {
	Question        string   `json:"question"`
	WidgetType      string   `json:"widget_type"`
	ProponentAnswer []string `json:"proponent_answer"`
	AssessorAnswer  []string `json:"assessor_answer"`
}

type Layer struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Version    int    `json:"version"`
	Active     bool   `json:"active"`
	CRS        string `json:"crs"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedAt string `json:"modified_at"`
}

type PointQuery struct {
	LayerName  string   `json:"layer_name"`
	LayerAttrs []string `json:"layer_attrs,omitempty"`
	Longitude  float64  `json:"longitude"`
	Latitude   float64  `json:"latitude"`
	Predicate  string   `json:"predicate,omitempty"`
}

type PointResult struct {
	Name   string         `json:"name"`
	Errors *string        `json:"errors"`
	Res    map[string]any `json:"res"`
}

type RequestLog struct {
	ID          int64           `json:"id"`
	RequestType string          `json:"request_type"`
	System      string          `json:"system"`
	AppID       int64           `json:"app_id"`
	Data        json.RawMessage `json:"data,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	When        string          `json:"when"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SpatialQuery runs a FULL or PARTIAL request synchronously.
func (c *Client) SpatialQuery(ctx context.Context, payload json.RawMessage) (QueryResult, error) {
	var res QueryResult
	hdr, err := c.doRaw(ctx, http.MethodPost, "das/spatial_query", payload, &res.Response)
	if err != nil {
		return res, err
	}
	res.RequestLogID, _ = strconv.ParseInt(hdr.Get("X-Request-Log-Id"), 10, 64)
	res.Cached = hdr.Get("X-Cache") == "HIT"
	return res, nil
}

// Enqueue queues a FULL request. priority 0 keeps the server default.
func (c *Client) Enqueue(ctx context.Context, payload json.RawMessage, priority int) (EnqueueResult, error) {
	endpoint := "das/task_queue"
	if priority > 0 {
		endpoint += "?priority=" + strconv.Itoa(priority)
	}
	var resp EnqueueResult
	_, err := c.doRaw(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

func (c *Client) SingleQuery(ctx context.Context, payload json.RawMessage) (SingleResult, error) {
	var resp SingleResult
	_, err := c.doRaw(ctx, http.MethodPost, "das/single_query", payload, &resp)
	return resp, err
}

// Queue lists the live queue in run order.
func (c *Client) Queue(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp.Items, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) Layers(ctx context.Context, activeOnly bool) ([]Layer, error) {
	var resp struct {
		Items []Layer `json:"items"`
	}
	endpoint := "layers"
	if activeOnly {
		endpoint += "?active=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// LoadLayer stores a layer from a URL, or from geojson when it is not nil.
func (c *Client) LoadLayer(ctx context.Context, name, layerURL string, geojson json.RawMessage) (Layer, string, error) {
	body := map[string]any{"layer_name": name}
	if layerURL != "" {
		body["url"] = layerURL
	}
	if geojson != nil {
		body["geojson"] = geojson
	}
	var resp struct {
		Layer  Layer  `json:"layer"`
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "layers", body, &resp)
	return resp.Layer, resp.Status, err
}

func (c *Client) PointQuery(ctx context.Context, q PointQuery) (PointResult, error) {
	var resp PointResult
	err := c.do(ctx, http.MethodPost, "layers/point_query", q, &resp)
	return resp, err
}

// LatestLog returns the newest request log of a proposal.
func (c *Client) LatestLog(ctx context.Context, appID int64, requestType string, timestampOnly bool) (RequestLog, error) {
	q := url.Values{}
	if requestType != "" {
		q.Set("request_type", requestType)
	}
	if timestampOnly {
		q.Set("when", "true")
	}
	endpoint := fmt.Sprintf("logs/app/%d/latest", appID)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RequestLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	_, err := c.doRaw(ctx, method, endpoint, buf.Bytes(), out)
	return err
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if raw, ok := out.(*json.RawMessage); ok {
			data, err := io.ReadAll(resp.Body)
			*raw = data
			return resp.Header, err
		}
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
