package sqsclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpatialQueryReadsHeadersAndRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/das/spatial_query" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sqs_key" {
			t.Errorf("api key header %q", r.Header.Get("X-Api-Key"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"proposal":{"id":1}}` {
			t.Errorf("body %s", body)
		}
		w.Header().Set("X-Request-Log-Id", "12")
		w.Header().Set("X-Cache", "HIT")
		io.WriteString(w, `{"system":"DAS","data":[{}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "sqs_key"
	res, err := c.SpatialQuery(context.Background(), json.RawMessage(`{"proposal":{"id":1}}`))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.RequestLogID != 12 || !res.Cached || string(res.Response) != `{"system":"DAS","data":[{}]}` {
		t.Fatalf("result %+v", res)
	}
}

func TestEnqueuePassesPriorityAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("priority") != "1" {
			t.Errorf("priority %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"status":"created","position":0,"task":{"id":"t1","app_id":3,"priority":1,"status":"created"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.Enqueue(context.Background(), json.RawMessage(`{}`), 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Status != "created" || res.Task.ID != "t1" || res.Task.AppID != 3 {
		t.Fatalf("result %+v", res)
	}
}

func TestErrorStatusReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"queue_conflict","message":"already running"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).CancelTask(context.Background(), "t1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}
