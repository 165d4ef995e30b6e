package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sqs/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// on returns tx when set, the database otherwise.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

const taskColumns = `id,app_id,system,requester,script,description,parameters,status,priority,start_time,end_time,stdout,stderr,request_log_id,created,retries,updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var script, description, parameters, startTime, endTime, stdout, stderr sql.NullString
	var logID sql.NullInt64
	err := s.Scan(&t.ID, &t.AppID, &t.System, &t.Requester, &script, &description, &parameters, &t.Status, &t.Priority,
		&startTime, &endTime, &stdout, &stderr, &logID, &t.Created, &t.Retries, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Script = script.String
	t.Description = description.String
	t.Parameters = parameters.String
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	if startTime.Valid {
		t.StartTime = &startTime.String
	}
	if endTime.Valid {
		t.EndTime = &endTime.String
	}
	if logID.Valid {
		t.RequestLogID = &logID.Int64
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AppID, t.System, t.Requester, nullable(t.Script), nullable(t.Description), nullable(t.Parameters), t.Status, t.Priority,
		nullableStringPtr(t.StartTime), nullableStringPtr(t.EndTime), nullable(t.Stdout), nullable(t.Stderr), nullableInt64Ptr(t.RequestLogID),
		t.Created, t.Retries, t.UpdatedAt)
	return err
}

// UpsertCreatedTask inserts t, or folds it into the existing created task for
// (system, app_id). It reports whether a new row was inserted.
func (r Repo) UpsertCreatedTask(ctx context.Context, tx *sql.Tx, t domain.Task) (string, bool, error) {
	var id string
	err := r.on(tx).QueryRowContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(system, app_id) WHERE status='created' DO UPDATE SET
  requester=excluded.requester,
  parameters=excluded.parameters,
  priority=excluded.priority,
  request_log_id=excluded.request_log_id,
  created=excluded.created,
  updated_at=excluded.updated_at
RETURNING id`,
		t.ID, t.AppID, t.System, t.Requester, nullable(t.Script), nullable(t.Description), nullable(t.Parameters), t.Status, t.Priority,
		nil, nil, nil, nil, nullableInt64Ptr(t.RequestLogID), t.Created, t.Retries, t.UpdatedAt).Scan(&id)
	if err != nil {
		return "", false, err
	}
	return id, id == t.ID, nil
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET requester=?, status=?, priority=?, start_time=?, end_time=?, stdout=?, stderr=?, request_log_id=?, created=?, retries=?, updated_at=? WHERE id=?`,
		t.Requester, t.Status, t.Priority, nullableStringPtr(t.StartTime), nullableStringPtr(t.EndTime), nullable(t.Stdout), nullable(t.Stderr),
		nullableInt64Ptr(t.RequestLogID), t.Created, t.Retries, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskFor returns the most recent task for (system, app_id) in the given status.
func (r Repo) TaskFor(ctx context.Context, tx *sql.Tx, system string, appID int64, status string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE system=? AND app_id=? AND status=? ORDER BY created DESC, id DESC LIMIT 1`,
		system, appID, status))
}

type TaskFilters struct {
	System    string
	AppID     int64
	Status    string
	Requester string
	Since     string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.System != "" {
		clauses = append(clauses, "system=?")
		args = append(args, f.System)
	}
	if f.AppID != 0 {
		clauses = append(clauses, "app_id=?")
		args = append(args, f.AppID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Requester != "" {
		clauses = append(clauses, "requester=?")
		args = append(args, f.Requester)
	}
	if f.Since != "" {
		clauses = append(clauses, "created>=?")
		args = append(args, f.Since)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// QueuedTasks lists created tasks not older than staleBefore in run order.
func (r Repo) QueuedTasks(ctx context.Context, tx *sql.Tx, staleBefore string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status='created' AND created>=? ORDER BY priority ASC, created ASC, id ASC`
	args := []any{staleBefore}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// QueuePosition counts the live created tasks ordered ahead of t.
func (r Repo) QueuePosition(ctx context.Context, tx *sql.Tx, t domain.Task, staleBefore string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
WHERE status='created' AND created>=? AND id<>?
  AND (priority<? OR (priority=? AND (created<? OR (created=? AND id<?))))`,
		staleBefore, t.ID, t.Priority, t.Priority, t.Created, t.Created, t.ID).Scan(&n)
	return n, err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

const logColumns = `id,request_type,system,app_id,data_json,COALESCE(response_json,''),COALESCE(digest,''),"when"`

func scanRequestLog(s scanner) (domain.RequestLog, error) {
	var l domain.RequestLog
	err := s.Scan(&l.ID, &l.RequestType, &l.System, &l.AppID, &l.DataJSON, &l.ResponseJSON, &l.Digest, &l.When)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) InsertRequestLog(ctx context.Context, tx *sql.Tx, l domain.RequestLog) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO request_logs(request_type,system,app_id,data_json,response_json,digest,"when") VALUES (?,?,?,?,?,?,?)`,
		l.RequestType, l.System, l.AppID, l.DataJSON, nullable(l.ResponseJSON), nullable(l.Digest), l.When)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) SetRequestLogResponse(ctx context.Context, tx *sql.Tx, id int64, response string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE request_logs SET response_json=? WHERE id=?`, nullable(response), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequestLog(ctx context.Context, tx *sql.Tx, id int64) (domain.RequestLog, error) {
	return scanRequestLog(r.on(tx).QueryRowContext(ctx, `SELECT `+logColumns+` FROM request_logs WHERE id=?`, id))
}

// LatestRequestLog returns the newest log for (system, app_id, request_type).
// With withResponse set, logs without a stored response are skipped.
func (r Repo) LatestRequestLog(ctx context.Context, system string, appID int64, requestType string, withResponse bool) (domain.RequestLog, error) {
	query := `SELECT ` + logColumns + ` FROM request_logs WHERE system=? AND app_id=? AND request_type=?`
	if withResponse {
		query += ` AND response_json IS NOT NULL AND response_json NOT IN ('', '{}', 'null')`
	}
	query += ` ORDER BY "when" DESC, id DESC LIMIT 1`
	return scanRequestLog(r.DB.QueryRowContext(ctx, query, system, appID, requestType))
}

type RequestLogFilters struct {
	System      string
	AppID       int64
	RequestType string
	Limit       int
}

// ListRequestLogs returns log headers, newest first, without payloads.
func (r Repo) ListRequestLogs(ctx context.Context, f RequestLogFilters) ([]domain.RequestLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.System != "" {
		clauses = append(clauses, "system=?")
		args = append(args, f.System)
	}
	if f.AppID != 0 {
		clauses = append(clauses, "app_id=?")
		args = append(args, f.AppID)
	}
	if f.RequestType != "" {
		clauses = append(clauses, "request_type=?")
		args = append(args, f.RequestType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,request_type,system,app_id,'','',COALESCE(digest,''),"when" FROM request_logs WHERE %s ORDER BY "when" DESC, id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
