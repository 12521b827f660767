// Package sqlstore persists queues in MySQL or MariaDB.
//
// Each queue owns four tables sharing a name prefix:
// jobs, events, counters and the token dictionary.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
)

// Store is a queue stored in SQL tables.
type Store struct {
	DB          *sqlx.DB
	TablePrefix string
	ScanBatch   int // jobs read per query when scanning
}

// New creates a store for a queue, table names start with "nq_<queue>".
func New(db *sqlx.DB, queue string) *Store {
	return &Store{
		DB:          db,
		TablePrefix: "nq_" + queue,
		ScanBatch:   1024,
	}
}

// Assert Store implements store.Store.
var _ store.Store = (*Store)(nil)

// CreateTables creates the queue tables if they don't exist.
func (s *Store) CreateTables(ctx context.Context) error {
	// language=MariaDB
	const template = `
CREATE TABLE IF NOT EXISTS %[1]s_jobs (
	id INT UNSIGNED NOT NULL PRIMARY KEY,
	status TINYINT UNSIGNED NOT NULL,
	affinity_id INT UNSIGNED NOT NULL,
	group_id INT UNSIGNED NOT NULL,
	last_touch DATETIME(6) NOT NULL,
	record MEDIUMBLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS %[1]s_events (
	job_id INT UNSIGNED NOT NULL,
	idx INT UNSIGNED NOT NULL,
	status TINYINT UNSIGNED NOT NULL,
	kind TINYINT UNSIGNED NOT NULL,
	ts DATETIME(6) NOT NULL,
	client_id INT UNSIGNED NOT NULL,
	node VARCHAR(255) NOT NULL,
	session VARCHAR(255) NOT NULL,
	ret_code INT NOT NULL,
	error_msg TEXT NOT NULL,
	PRIMARY KEY (job_id, idx)
);
CREATE TABLE IF NOT EXISTS %[1]s_counters (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	value BIGINT UNSIGNED NOT NULL
);
CREATE TABLE IF NOT EXISTS %[1]s_dict (
	kind VARCHAR(16) NOT NULL,
	token VARBINARY(255) NOT NULL,
	id INT UNSIGNED NOT NULL,
	PRIMARY KEY (kind, token)
);`
	for _, stmt := range splitStatements(fmt.Sprintf(template, s.TablePrefix)) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) (stmts []string) {
	start := 0
	for i := 0; i < len(script); i++ {
		if script[i] == ';' {
			stmts = append(stmts, script[start:i])
			start = i + 1
		}
	}
	return
}

type jobRow struct {
	ID         uint32    `db:"id"`
	Status     uint8     `db:"status"`
	AffinityID uint32    `db:"affinity_id"`
	GroupID    uint32    `db:"group_id"`
	LastTouch  time.Time `db:"last_touch"`
	Record     []byte    `db:"record"`
}

type eventRow struct {
	JobID    uint32    `db:"job_id"`
	Index    uint32    `db:"idx"`
	Status   uint8     `db:"status"`
	Kind     uint8     `db:"kind"`
	Time     time.Time `db:"ts"`
	ClientID uint32    `db:"client_id"`
	Node     string    `db:"node"`
	Session  string    `db:"session"`
	RetCode  int32     `db:"ret_code"`
	ErrorMsg string    `db:"error_msg"`
}

func (r *eventRow) event() jobs.Event {
	return jobs.Event{
		Status:    jobs.Status(r.Status),
		Kind:      jobs.EventKind(r.Kind),
		Timestamp: r.Time,
		ClientID:  r.ClientID,
		Node:      r.Node,
		Session:   r.Session,
		RetCode:   r.RetCode,
		ErrorMsg:  r.ErrorMsg,
	}
}

func decodeJob(row *jobRow) (*jobs.Job, error) {
	job := new(jobs.Job)
	if err := msgpack.Unmarshal(row.Record, job); err != nil {
		return nil, fmt.Errorf("invalid job record %d: %w", row.ID, err)
	}
	return job, nil
}

// MySQL error numbers worth retrying.
const (
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

func mapErr(err error) error {
	var myErr *mysql.MySQLError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case errors.As(err, &myErr) && (myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout):
		return fmt.Errorf("%w: %s", store.ErrConflict, err)
	default:
		return err
	}
}

// Begin starts an SQL transaction.
func (s *Store) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		return nil, mapErr(err)
	}
	return &sqlTx{s: s, tx: tx, ctx: ctx}, nil
}

// ScanJobs pages through the jobs table in ID order.
func (s *Store) ScanJobs(ctx context.Context, fn func(job *jobs.Job) error) error {
	batch := s.ScanBatch
	if batch <= 0 {
		batch = 1024
	}
	var lastID uint32
	for {
		var rows []jobRow
		err := s.DB.SelectContext(ctx, &rows, fmt.Sprintf(
			`SELECT id, status, affinity_id, group_id, last_touch, record FROM %s_jobs WHERE id > ? ORDER BY id LIMIT ?;`,
			s.TablePrefix), lastID, batch)
		if err != nil {
			return fmt.Errorf("failed to scan jobs: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint32, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		events, err := s.selectEvents(ctx, ids)
		if err != nil {
			return err
		}
		for i := range rows {
			job, err := decodeJob(&rows[i])
			if err != nil {
				return err
			}
			job.Events = events[job.ID]
			if err := fn(job); err != nil {
				return err
			}
		}
		lastID = rows[len(rows)-1].ID
	}
}

func (s *Store) selectEvents(ctx context.Context, ids []uint32) (map[uint32][]jobs.Event, error) {
	const stmt = `SELECT * FROM %s_events WHERE job_id IN (?) ORDER BY job_id, idx;`
	query, args, err := sqlx.In(fmt.Sprintf(stmt, s.TablePrefix), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WHERE IN query: %w", err)
	}
	var rows []eventRow
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	events := make(map[uint32][]jobs.Event, len(ids))
	for i := range rows {
		events[rows[i].JobID] = append(events[rows[i].JobID], rows[i].event())
	}
	return events, nil
}

// Close is a no-op, the connection pool belongs to whoever opened it.
func (s *Store) Close() error {
	return nil
}

type sqlTx struct {
	s   *Store
	tx  *sqlx.Tx
	ctx context.Context
}

func (t *sqlTx) table(name string) string {
	return t.s.TablePrefix + "_" + name
}

func (t *sqlTx) FetchJob(id uint32) (*jobs.Job, error) {
	var row jobRow
	err := t.tx.GetContext(t.ctx, &row, fmt.Sprintf(
		`SELECT id, status, affinity_id, group_id, last_touch, record FROM %s WHERE id = ?;`, t.table("jobs")), id)
	if err != nil {
		return nil, mapErr(err)
	}
	job, err := decodeJob(&row)
	if err != nil {
		return nil, err
	}
	if job.Events, err = t.FetchEvents(id); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *sqlTx) FlushJob(job *jobs.Job) error {
	record, err := msgpack.Marshal(job)
	if err != nil {
		return err
	}
	// language=MariaDB
	const stmt = `INSERT INTO %s (id, status, affinity_id, group_id, last_touch, record)
VALUES (:id, :status, :affinity_id, :group_id, :last_touch, :record)
ON DUPLICATE KEY UPDATE status = VALUES(status), affinity_id = VALUES(affinity_id),
	group_id = VALUES(group_id), last_touch = VALUES(last_touch), record = VALUES(record);`
	_, err = t.tx.NamedExecContext(t.ctx, fmt.Sprintf(stmt, t.table("jobs")), &jobRow{
		ID:         job.ID,
		Status:     uint8(job.Status),
		AffinityID: job.AffinityID,
		GroupID:    job.GroupID,
		LastTouch:  job.LastTouch,
		Record:     record,
	})
	if err != nil {
		return mapErr(err)
	}
	for i := range job.Events {
		if err := t.AppendEvent(job.ID, i, &job.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) DeleteJob(id uint32) error {
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, t.table("jobs")), id); err != nil {
		return mapErr(err)
	}
	return t.DeleteEvents(id)
}

func (t *sqlTx) FetchEvents(id uint32) ([]jobs.Event, error) {
	var rows []eventRow
	err := t.tx.SelectContext(t.ctx, &rows, fmt.Sprintf(
		`SELECT * FROM %s WHERE job_id = ? ORDER BY idx;`, t.table("events")), id)
	if err != nil {
		return nil, mapErr(err)
	}
	events := make([]jobs.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].event()
	}
	return events, nil
}

func (t *sqlTx) AppendEvent(id uint32, index int, ev *jobs.Event) error {
	// language=MariaDB
	const stmt = `INSERT IGNORE INTO %s (job_id, idx, status, kind, ts, client_id, node, session, ret_code, error_msg)
VALUES (:job_id, :idx, :status, :kind, :ts, :client_id, :node, :session, :ret_code, :error_msg);`
	_, err := t.tx.NamedExecContext(t.ctx, fmt.Sprintf(stmt, t.table("events")), &eventRow{
		JobID:    id,
		Index:    uint32(index),
		Status:   uint8(ev.Status),
		Kind:     uint8(ev.Kind),
		Time:     ev.Timestamp,
		ClientID: ev.ClientID,
		Node:     ev.Node,
		Session:  ev.Session,
		RetCode:  ev.RetCode,
		ErrorMsg: ev.ErrorMsg,
	})
	return mapErr(err)
}

func (t *sqlTx) DeleteEvents(id uint32) error {
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = ?;`, t.table("events")), id)
	return mapErr(err)
}

func (t *sqlTx) ReadCounter(key string) (uint64, error) {
	var value uint64
	err := t.tx.GetContext(t.ctx, &value, fmt.Sprintf(`SELECT value FROM %s WHERE name = ?;`, t.table("counters")), key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return value, mapErr(err)
}

func (t *sqlTx) WriteCounter(key string, value uint64) error {
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(
		`INSERT INTO %s (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value);`,
		t.table("counters")), key, value)
	return mapErr(err)
}

func (t *sqlTx) LoadDict(kind string) (map[string]uint32, error) {
	rows, err := t.tx.QueryxContext(t.ctx, fmt.Sprintf(`SELECT token, id FROM %s WHERE kind = ?;`, t.table("dict")), kind)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	dict := make(map[string]uint32)
	for rows.Next() {
		var token []byte
		var id uint32
		if err := rows.Scan(&token, &id); err != nil {
			return nil, fmt.Errorf("failed to scan %s dictionary: %w", kind, err)
		}
		dict[string(token)] = id
	}
	return dict, mapErr(rows.Err())
}

func (t *sqlTx) PutDictEntry(kind, token string, id uint32) error {
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(
		`INSERT INTO %s (kind, token, id) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE id = VALUES(id);`,
		t.table("dict")), kind, []byte(token), id)
	return mapErr(err)
}

func (t *sqlTx) DeleteDictEntry(kind, token string) error {
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE kind = ? AND token = ?;`, t.table("dict")), kind, []byte(token))
	return mapErr(err)
}

func (t *sqlTx) Commit() error {
	return mapErr(t.tx.Commit())
}

func (t *sqlTx) Rollback() {
	_ = t.tx.Rollback()
}
