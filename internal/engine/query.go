package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sqs/internal/digest"
	"sqs/internal/domain"
	"sqs/internal/prefill"
	"sqs/internal/repo"
)

type QueryResult struct {
	RequestLogID int64           `json:"request_log_id,omitempty"`
	Cached       bool            `json:"cached"`
	Response     json.RawMessage `json:"response"`
}

var clientTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseClientTime reads a proposal timestamp. Values without a zone are
// taken to be in loc.
func parseClientTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	var firstErr error
	for _, layout := range clientTimeLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// CachedResponse returns the stored response of the latest request for the
// proposal when the proposal has not changed since that request was logged.
func (e Engine) CachedResponse(ctx context.Context, system string, appID int64, requestType, currentTS string) (json.RawMessage, int64, bool, error) {
	if strings.TrimSpace(currentTS) == "" {
		return nil, 0, false, nil
	}
	ts, err := parseClientTime(currentTS, e.Config.Location())
	if err != nil {
		return nil, 0, false, RequestError{Err: err}
	}
	rl, err := e.Repo.LatestRequestLog(ctx, system, appID, requestType, true)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	when, err := domain.ParseTime(rl.When)
	if err != nil {
		return nil, 0, false, err
	}
	if !ts.Before(when) {
		return nil, 0, false, nil
	}
	return json.RawMessage(rl.ResponseJSON), rl.ID, true, nil
}

// SpatialQuery evaluates a FULL or PARTIAL request synchronously.
func (e Engine) SpatialQuery(ctx context.Context, payload []byte, actorID string) (QueryResult, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return QueryResult{}, err
	}
	if req.RequestType != domain.RequestFull && req.RequestType != domain.RequestPartial {
		return QueryResult{}, RequestError{Err: errors.New("request_type must be FULL or PARTIAL")}
	}
	system := e.system(req.System)
	appID := int64(req.Proposal.ID)

	cached, logID, ok, err := e.CachedResponse(ctx, system, appID, req.RequestType, req.Proposal.CurrentTS.String())
	if err != nil {
		return QueryResult{}, err
	}
	if ok {
		e.logger().Printf("[query] %s/%d %s served from request log %d", system, appID, req.RequestType, logID)
		return QueryResult{RequestLogID: logID, Cached: true, Response: cached}, nil
	}

	dig, err := digest.JCS(payload)
	if err != nil {
		return QueryResult{}, RequestError{Err: err}
	}
	if !e.Dedup.Acquire(dig) {
		return QueryResult{}, QueueConflictError{System: system, AppID: appID, Reason: "identical request in progress"}
	}
	defer e.Dedup.Release(dig)

	if actorID == "" {
		actorID = req.Requester
	}
	logID, err = e.insertLog(ctx, req.RequestType, system, appID, payload, dig, actorID)
	if err != nil {
		return QueryResult{}, err
	}
	started := e.now()
	res, err := e.prefill(ctx, req)
	if err != nil {
		return QueryResult{}, err
	}
	data, err := e.storeResponse(ctx, nil, logID, res)
	if err != nil {
		return QueryResult{}, err
	}
	e.logger().Printf("[query] %s/%d %s evaluated in %s", system, appID, req.RequestType, e.now().Sub(started).Round(time.Millisecond))
	return QueryResult{RequestLogID: logID, Response: data}, nil
}

func (e Engine) insertLog(ctx context.Context, requestType, system string, appID int64, payload []byte, dig, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := e.logRequest(ctx, tx, requestType, system, appID, payload, dig, actorID)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// SingleQuery evaluates one question against the ad-hoc masterlist entries
// carried in the request.
func (e Engine) SingleQuery(ctx context.Context, payload []byte, actorID string) (prefill.SingleResponse, error) {
	req, err := decodeSingle(payload)
	if err != nil {
		return prefill.SingleResponse{}, err
	}
	system := e.system(req.System)
	appID := int64(req.Proposal.ID)
	dig, err := digest.JCS(payload)
	if err != nil {
		return prefill.SingleResponse{}, RequestError{Err: err}
	}
	if !e.Dedup.Acquire(dig) {
		return prefill.SingleResponse{}, QueueConflictError{System: system, AppID: appID, Reason: "identical request in progress"}
	}
	defer e.Dedup.Release(dig)

	if actorID == "" {
		actorID = req.Requester
	}
	logID, err := e.insertLog(ctx, domain.RequestSingle, system, appID, payload, dig, actorID)
	if err != nil {
		return prefill.SingleResponse{}, err
	}
	ec, err := e.evaluationContext(req.GeoJSON, nil)
	if err != nil {
		return prefill.SingleResponse{}, err
	}
	res, err := ec.EvaluateSingle(ctx, req.Question, prefill.ParseWidgetType(req.WidgetType), req.Questions)
	if err != nil {
		return prefill.SingleResponse{}, err
	}
	if _, err := e.storeResponse(ctx, nil, logID, res); err != nil {
		return prefill.SingleResponse{}, err
	}
	return res, nil
}

// RequestDetails describes a logged request and the layers it still needs.
type RequestDetails struct {
	Log           domain.RequestLog `json:"log"`
	Layers        []string          `json:"layers"`
	MissingLayers []string          `json:"missing_layers"`
}

func (e Engine) RequestDetails(ctx context.Context, id int64) (RequestDetails, error) {
	rl, err := e.Repo.GetRequestLog(ctx, nil, id)
	if err != nil {
		return RequestDetails{}, err
	}
	res := RequestDetails{Log: rl, Layers: []string{}, MissingLayers: []string{}}
	var names []string
	if rl.RequestType == domain.RequestSingle {
		var req prefill.SingleRequest
		if err := json.Unmarshal([]byte(rl.DataJSON), &req); err != nil {
			return res, RequestError{Err: err}
		}
		names = prefill.Request{MasterlistQuestions: []prefill.QuestionGroup{{Questions: req.Questions}}}.LayerNames()
	} else {
		var req prefill.Request
		if err := json.Unmarshal([]byte(rl.DataJSON), &req); err != nil {
			return res, RequestError{Err: err}
		}
		names = req.LayerNames()
	}
	for _, name := range names {
		res.Layers = append(res.Layers, name)
		l, err := e.Repo.GetLayer(ctx, nil, name)
		switch {
		case errors.Is(err, repo.ErrNotFound), err == nil && !l.Active:
			res.MissingLayers = append(res.MissingLayers, name)
		case err != nil:
			return res, err
		}
	}
	return res, nil
}

// LatestLog returns the newest log for a proposal. With timestampOnly set the
// payloads are dropped.
func (e Engine) LatestLog(ctx context.Context, system string, appID int64, requestType string, timestampOnly bool) (domain.RequestLog, error) {
	if requestType == "" {
		requestType = domain.RequestFull
	}
	if !domain.ValidRequestType(requestType) {
		return domain.RequestLog{}, RequestError{Err: errors.New("unknown request_type " + requestType)}
	}
	rl, err := e.Repo.LatestRequestLog(ctx, e.system(system), appID, requestType, false)
	if err != nil {
		return rl, err
	}
	if timestampOnly {
		rl.DataJSON, rl.ResponseJSON = "", ""
	}
	return rl, nil
}
