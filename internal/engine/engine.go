package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"sqs/internal/config"
	"sqs/internal/domain"
	"sqs/internal/events"
	"sqs/internal/prefill"
	"sqs/internal/repo"
	"sqs/internal/reqschema"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Layers prefill.LayerSource
	Dedup  *Dedup
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config, layers prefill.LayerSource) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Layers: layers,
		Dedup:  NewDedup(cfg.Query.DedupTTL),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// QueueConflictError is returned when a proposal is already being processed.
type QueueConflictError struct {
	System string
	AppID  int64
	Reason string
}

func (e QueueConflictError) Error() string {
	return fmt.Sprintf("%s proposal %d: %s", e.System, e.AppID, e.Reason)
}

// RequestError wraps a payload that cannot be decoded or evaluated as sent.
type RequestError struct {
	Err error
}

func (e RequestError) Error() string { return "invalid request: " + e.Err.Error() }

func (e RequestError) Unwrap() error { return e.Err }

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskCreated:
		switch newStatus {
		case domain.TaskRunning, domain.TaskCancelled, domain.TaskMaxQueueTime:
			return nil
		}
	case domain.TaskRunning:
		switch newStatus {
		case domain.TaskCompleted, domain.TaskFailed, domain.TaskError, domain.TaskCancelled, domain.TaskMaxRetries, domain.TaskCreated:
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) system(s string) string {
	if s != "" {
		return s
	}
	return e.Config.Query.System
}

func decodeRequest(payload []byte) (prefill.Request, error) {
	if err := reqschema.Validate(reqschema.SpatialQuery, payload); err != nil {
		return prefill.Request{}, RequestError{Err: err}
	}
	var req prefill.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, RequestError{Err: err}
	}
	if req.Proposal.ID == 0 {
		return req, RequestError{Err: errors.New("proposal.id is required")}
	}
	if req.RequestType == "" {
		req.RequestType = domain.RequestFull
	}
	return req, nil
}

func decodeSingle(payload []byte) (prefill.SingleRequest, error) {
	if err := reqschema.Validate(reqschema.SingleQuery, payload); err != nil {
		return prefill.SingleRequest{}, RequestError{Err: err}
	}
	var req prefill.SingleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, RequestError{Err: err}
	}
	if req.Proposal.ID == 0 {
		return req, RequestError{Err: errors.New("proposal.id is required")}
	}
	return req, nil
}

func (e Engine) evaluationContext(geojson []byte, groups []prefill.QuestionGroup) (*prefill.EvaluationContext, error) {
	ec, err := prefill.NewEvaluationContext(geojson, groups, e.Layers)
	if err != nil {
		return nil, RequestError{Err: err}
	}
	ec.Now = e.now
	ec.Location = e.Config.Location()
	ec.Logger = e.Logger
	return ec, nil
}

// prefill runs the full pipeline for a decoded request.
func (e Engine) prefill(ctx context.Context, req prefill.Request) (*prefill.Response, error) {
	ec, err := e.evaluationContext(req.GeoJSON, req.MasterlistQuestions)
	if err != nil {
		return nil, err
	}
	return prefill.Prefill(ctx, e.system(req.System), req.Proposal.Schema, ec, e.Config.Query.IncludeMetrics)
}

// logRequest stores the payload as a request log inside tx.
func (e Engine) logRequest(ctx context.Context, tx *sql.Tx, requestType, system string, appID int64, payload []byte, dig, actorID string) (int64, error) {
	id, err := e.Repo.InsertRequestLog(ctx, tx, domain.RequestLog{
		RequestType: requestType,
		System:      system,
		AppID:       appID,
		DataJSON:    string(payload),
		Digest:      dig,
		When:        domain.FormatTime(e.now()),
	})
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RequestLogged, "request_log", fmt.Sprint(id), actorID, events.EventPayload{
		"request_type": requestType,
		"system":       system,
		"app_id":       appID,
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// storeResponse marshals res onto request log id.
func (e Engine) storeResponse(ctx context.Context, tx *sql.Tx, id int64, res any) (json.RawMessage, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.SetRequestLogResponse(ctx, tx, id, string(data)); err != nil {
		return nil, err
	}
	return data, nil
}
