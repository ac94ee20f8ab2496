package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chronobot/internal/domain"
	logx "chronobot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const actionColumns = `id, command, trigger_at, completion_mode, retry_until, status, attempt_count,
	last_attempt_at, context, recur_interval_s, recur_until, parent_id, next_check_at, last_message,
	version, claim_token, claim_until, successor_spawned, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single connection
	// also keeps a ":memory:" database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, a domain.Action) (int64, error) {
	id, err := insertAction(ctx, s.db, a)
	if err != nil {
		return 0, persistErr("create", err)
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertAction(ctx context.Context, db execer, a domain.Action) (int64, error) {
	ctxJSON, err := encodePayload(a.Context)
	if err != nil {
		return 0, err
	}
	var interval, until, parent any
	if r := a.Recurrence; r != nil {
		interval = int64(r.Interval / time.Second)
		until = msPtr(r.Until)
		if r.ParentID != 0 {
			parent = r.ParentID
		}
	}
	next := a.NextCheckAt
	if next.IsZero() {
		next = a.TriggerAt
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := a.Status
	if status == "" {
		status = domain.StatusScheduled
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO scheduled_actions(command, trigger_at, completion_mode, retry_until, status, attempt_count,
			last_attempt_at, context, recur_interval_s, recur_until, parent_id, next_check_at, version,
			successor_spawned, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,1,0,?,?)`,
		a.Command, a.TriggerAt.UnixMilli(), string(a.Mode), msPtr(a.RetryUntil), string(status), a.AttemptCount,
		msPtr(a.LastAttemptAt), ctxJSON, interval, until, parent, next.UnixMilli(),
		created.UnixMilli(), created.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (domain.Action, error) {
	a, err := getAction(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Action{}, err
		}
		return domain.Action{}, persistErr("get", err)
	}
	return a, nil
}

func getAction(ctx context.Context, q queryer, id int64) (domain.Action, error) {
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM scheduled_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Action{}, domain.ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Action, error) {
	q := `SELECT ` + actionColumns + ` FROM scheduled_actions
		WHERE status IN ('scheduled','active')
		  AND next_check_at <= ?
		  AND (claim_until IS NULL OR claim_until <= ?)
		ORDER BY next_check_at ASC, id ASC`
	args := []any{now.UnixMilli(), now.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out, bad, err := queryActions(ctx, s.db, q, args...)
	if err != nil {
		return nil, persistErr("list due", err)
	}
	for _, re := range bad {
		s.quarantine(ctx, re, now)
	}
	return out, nil
}

// quarantine expires a pending row that can no longer be decoded so it stops
// coming back as due. The reason is kept in last_message and the history.
func (s *sqliteStore) quarantine(ctx context.Context, re *rowError, now time.Time) {
	log := s.log.With(logx.Int64("action_id", re.ID))
	log.Error("unreadable action row; expiring it", logx.Err(re.Err))

	msg := "unreadable row: " + re.Err.Error()
	at := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'expired', last_message = ?, claim_token = NULL, claim_until = NULL,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND status IN ('scheduled','active')`,
		msg, at, re.ID)
	if err != nil {
		log.Error("quarantine failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO action_events(action_id, at, kind, attempt, detail) VALUES (?, ?, ?, 0, ?)`,
		re.ID, at, "action.expired", msg); err != nil {
		log.Warn("quarantine event not recorded", logx.Err(err))
	}
}

func (s *sqliteStore) Claim(ctx context.Context, c Claim) (domain.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, persistErr("claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.Now.UnixMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'active', attempt_count = attempt_count + 1, last_attempt_at = ?,
		     claim_token = ?, claim_until = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status IN ('scheduled','active')
		   AND (claim_until IS NULL OR claim_until <= ?)`,
		now, c.Token, c.LeaseUntil.UnixMilli(), now, c.ID, c.ExpectedVersion, now,
	)
	if err != nil {
		return domain.Action{}, persistErr("claim", err)
	}
	if err := requireOneRow(ctx, tx, res, c.ID); err != nil {
		return domain.Action{}, err
	}
	a, err := getAction(ctx, tx, c.ID)
	if err != nil {
		return domain.Action{}, persistErr("claim", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, persistErr("claim", err)
	}
	return a, nil
}

func (s *sqliteStore) Update(ctx context.Context, id, expectedVersion int64, p Patch) (domain.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, persistErr("update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyPatch(ctx, tx, id, expectedVersion, p, false); err != nil {
		return domain.Action{}, err
	}
	a, err := getAction(ctx, tx, id)
	if err != nil {
		return domain.Action{}, persistErr("update", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, persistErr("update", err)
	}
	return a, nil
}

func (s *sqliteStore) UpdateAndSpawn(ctx context.Context, id, expectedVersion int64, p Patch, next domain.Action) (domain.Action, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, 0, persistErr("spawn", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyPatch(ctx, tx, id, expectedVersion, p, true); err != nil {
		return domain.Action{}, 0, err
	}
	nextID, err := insertAction(ctx, tx, next)
	if err != nil {
		return domain.Action{}, 0, persistErr("spawn", err)
	}
	a, err := getAction(ctx, tx, id)
	if err != nil {
		return domain.Action{}, 0, persistErr("spawn", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, 0, persistErr("spawn", err)
	}
	return a, nextID, nil
}

// applyPatch runs the version-guarded UPDATE inside tx. When spawn is set, the
// row must not have spawned a successor yet.
func applyPatch(ctx context.Context, tx *sql.Tx, id, expectedVersion int64, p Patch, spawn bool) error {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{now.UnixMilli()}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.NextCheckAt != nil {
		sets = append(sets, "next_check_at = ?")
		args = append(args, p.NextCheckAt.UnixMilli())
	}
	if p.LastMessage != nil {
		sets = append(sets, "last_message = ?")
		args = append(args, nullStr(*p.LastMessage))
	}
	if p.ReleaseClaim {
		sets = append(sets, "claim_token = NULL", "claim_until = NULL")
	}
	if spawn {
		sets = append(sets, "successor_spawned = 1")
	}

	where := "id = ? AND version = ?"
	args = append(args, id, expectedVersion)
	if p.ClaimToken != "" {
		where += " AND claim_token = ?"
		args = append(args, p.ClaimToken)
	}
	if spawn {
		where += " AND successor_spawned = 0"
	}

	res, err := tx.ExecContext(ctx, `UPDATE scheduled_actions SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return persistErr("update", err)
	}
	return requireOneRow(ctx, tx, res, id)
}

// requireOneRow maps a zero-row guarded write onto NotFound or Conflict.
func requireOneRow(ctx context.Context, q queryer, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM scheduled_actions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return persistErr("exists", err)
	}
	return domain.ErrConflict
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]domain.Action, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *f.ParentID)
	}
	q := `SELECT ` + actionColumns + ` FROM scheduled_actions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY next_check_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	out, bad, err := queryActions(ctx, s.db, q, args...)
	if err != nil {
		return nil, persistErr("list", err)
	}
	s.logSkipped("list", bad)
	return out, nil
}

func (s *sqliteStore) ListByParent(ctx context.Context, parentID int64) ([]domain.Action, error) {
	out, bad, err := queryActions(ctx, s.db,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE parent_id = ? ORDER BY trigger_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, persistErr("list by parent", err)
	}
	s.logSkipped("list by parent", bad)
	return out, nil
}

func (s *sqliteStore) logSkipped(op string, bad []*rowError) {
	for _, re := range bad {
		s.log.Warn("skipping unreadable action row", logx.String("op", op), logx.Int64("action_id", re.ID), logx.Err(re.Err))
	}
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_events(action_id, at, kind, attempt, detail) VALUES(?,?,?,?,?)`,
		e.ActionID, e.At.UnixMilli(), e.Kind, e.Attempt, nullStr(e.Detail),
	)
	if err != nil {
		return persistErr("append event", err)
	}
	return nil
}

func (s *sqliteStore) ListEvents(ctx context.Context, actionID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, at, kind, attempt, detail FROM action_events
		 WHERE action_id = ? ORDER BY id ASC LIMIT ?`, actionID, limit)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			at     int64
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActionID, &at, &e.Kind, &e.Attempt, &detail); err != nil {
			return nil, persistErr("list events", err)
		}
		e.At = time.UnixMilli(at)
		e.Detail = detail.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list events", err)
	}
	return out, nil
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("prune", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_events WHERE action_id IN (
			SELECT id FROM scheduled_actions WHERE status IN ('completed','expired') AND updated_at < ?)`, cutoff); err != nil {
		return 0, persistErr("prune", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_actions WHERE status IN ('completed','expired') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, persistErr("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("prune", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("prune", err)
	}
	return n, nil
}

// rowError is a row that was read but could not be decoded.
type rowError struct {
	ID  int64
	Err error
}

func (e *rowError) Error() string { return fmt.Sprintf("action %d: %v", e.ID, e.Err) }
func (e *rowError) Unwrap() error { return e.Err }

// queryActions returns the decodable rows and reports the others separately,
// so one bad row does not hide the rest. The rows are closed on return.
func queryActions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Action, []*rowError, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		out []domain.Action
		bad []*rowError
	)
	for rows.Next() {
		a, err := scanAction(rows)
		var re *rowError
		switch {
		case errors.As(err, &re):
			bad = append(bad, re)
		case err != nil:
			return nil, nil, err
		default:
			out = append(out, a)
		}
	}
	return out, bad, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(sc scanner) (domain.Action, error) {
	var (
		a           domain.Action
		trigger     int64
		mode        string
		retryUntil  sql.NullInt64
		status      string
		lastAttempt sql.NullInt64
		ctxJSON     sql.NullString
		interval    sql.NullInt64
		recurUntil  sql.NullInt64
		parent      sql.NullInt64
		next        int64
		lastMsg     sql.NullString
		token       sql.NullString
		claimUntil  sql.NullInt64
		spawned     int
		created     int64
		updated     int64
	)
	if err := sc.Scan(&a.ID, &a.Command, &trigger, &mode, &retryUntil, &status, &a.AttemptCount,
		&lastAttempt, &ctxJSON, &interval, &recurUntil, &parent, &next, &lastMsg,
		&a.Version, &token, &claimUntil, &spawned, &created, &updated); err != nil {
		return domain.Action{}, err
	}
	a.TriggerAt = time.UnixMilli(trigger)
	a.Mode = domain.CompletionMode(mode)
	a.RetryUntil = timePtr(retryUntil)
	a.Status = domain.Status(status)
	a.LastAttemptAt = timePtr(lastAttempt)
	if ctxJSON.Valid && ctxJSON.String != "" {
		p, err := decodePayload(ctxJSON.String)
		if err != nil {
			return domain.Action{}, &rowError{ID: a.ID, Err: fmt.Errorf("decode context: %w", err)}
		}
		a.Context = p
	}
	if interval.Valid && interval.Int64 > 0 {
		a.Recurrence = &domain.Recurrence{
			Interval: time.Duration(interval.Int64) * time.Second,
			Until:    timePtr(recurUntil),
			ParentID: parent.Int64,
		}
	}
	a.NextCheckAt = time.UnixMilli(next)
	a.LastMessage = lastMsg.String
	a.ClaimToken = token.String
	a.ClaimUntil = timePtr(claimUntil)
	a.SuccessorSpawn = spawned != 0
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(updated)
	return a, nil
}

func encodePayload(p domain.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return string(b), nil
}

// decodePayload keeps numbers as json.Number so integers beyond 2^53 survive
// the round trip unchanged.
func decodePayload(raw string) (domain.Payload, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var p domain.Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after context object")
	}
	return p, nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return err
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
