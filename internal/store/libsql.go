package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Chains ---

// SaveChain inserts the chain or replaces the stored definition.
func (s *LibSQLStore) SaveChain(ctx context.Context, chain *schema.Chain) error {
	if chain == nil || chain.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	def, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	tags, err := json.Marshal(orEmptyTags(chain.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, name, version, description, tags, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version,
		   description=excluded.description, tags=excluded.tags, definition=excluded.definition,
		   updated_at=excluded.updated_at`,
		chain.ID, nullStr(chain.Name), nullStr(chain.Version), nullStr(chain.Description),
		string(tags), string(def), now, now,
	)
	return err
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*ChainRecord, error) {
	var defJSON string
	rec := &ChainRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, created_at, updated_at FROM chains WHERE id = ?`, id,
	).Scan(&defJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Chain, err = schema.ParseChain([]byte(defJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain %q: %w", id, err)
	}
	return rec, nil
}

// ListChains returns every stored chain ordered by id.
func (s *LibSQLStore) ListChains(ctx context.Context) ([]*ChainRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition, created_at, updated_at FROM chains ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChainRecord
	for rows.Next() {
		var id, defJSON string
		rec := &ChainRecord{}
		if err := rows.Scan(&id, &defJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Chain, err = schema.ParseChain([]byte(defJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal chain %q: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chain", id)
}

func (s *LibSQLStore) ClearChains(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chains`)
	return err
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	attempt := exec.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, chain_id, status, input, output, error, attempt, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ChainID, string(exec.Status), string(input),
		nullRaw(exec.Output), nullRaw(exec.Error), attempt,
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const executionColumns = `id, chain_id, status, input, output, error, attempt, created_at, started_at, completed_at, updated_at`

func scanExecution(scan func(dest ...any) error) (*Execution, error) {
	exec := &Execution{}
	var (
		inputJSON              string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	if err := scan(&exec.ID, &exec.ChainID, &status, &inputJSON, &outputJSON, &errorJSON,
		&exec.Attempt, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &exec.Input)
	}
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// insertEvent assigns the next per-execution sequence and writes the event
// inside tx.
func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, chain_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.ChainID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, execution_id, chain_id, step_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var chainID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &chainID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ChainID = chainID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_state (execution_id, step_id, status, input, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.ExecutionID, state.StepID, string(state.Status),
		nullRaw(state.Input), nullRaw(state.Output), nullRaw(state.Error),
		state.Attempts, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

const stepStateColumns = `execution_id, step_id, status, input, output, error, attempts, started_at, completed_at, duration_ms`

func scanStepState(scan func(dest ...any) error) (*StepState, error) {
	ss := &StepState{}
	var (
		status                  string
		input, output, errorRaw sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	if err := scan(&ss.ExecutionID, &ss.StepID, &status, &input, &output, &errorRaw,
		&ss.Attempts, &startedAt, &completedAt, &ss.DurationMs); err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.Input = rawOrNil(input)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errorRaw)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

func (s *LibSQLStore) GetStepState(ctx context.Context, executionID, stepID string) (*StepState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepStateColumns+` FROM step_state WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID)
	ss, err := scanStepState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_state", executionID+"/"+stepID)
	}
	return ss, err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, executionID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepStateColumns+` FROM step_state WHERE execution_id = ? ORDER BY step_id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss, err := scanStepState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func orEmptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
