// ABOUTME: SQLite implementation of the execution log Store using modernc.org/sqlite.
// ABOUTME: Append-only entries with step traces; sealed entries are never mutated.

package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "execlog")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrUnavailable, err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enabling WAL mode: %v", ErrUnavailable, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enabling foreign keys: %v", ErrUnavailable, err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrUnavailable, err)
	}

	logger.Info("execution log store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS execution_logs (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			plan_id         TEXT NOT NULL,
			user_query      TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			workspace_id    TEXT NOT NULL,
			start_time      TEXT NOT NULL,
			end_time        TEXT,
			outcome         TEXT NOT NULL,
			error_message   TEXT NOT NULL DEFAULT '',
			total_steps     INTEGER NOT NULL DEFAULT 0,
			completed_steps INTEGER NOT NULL DEFAULT 0,
			failed_steps    INTEGER NOT NULL DEFAULT 0,
			skipped_steps   INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (outcome IN ('running', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_execution_logs_start ON execution_logs(start_time DESC);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_session ON execution_logs(session_id);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_workspace ON execution_logs(workspace_id);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_agent ON execution_logs(agent_id);

		CREATE TABLE IF NOT EXISTS execution_steps (
			id            TEXT PRIMARY KEY,
			execution_id  TEXT NOT NULL,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL,
			tool_id       TEXT NOT NULL DEFAULT '',
			input_json    TEXT NOT NULL DEFAULT '{}',
			output_json   TEXT,
			status        TEXT NOT NULL,
			step_order    INTEGER NOT NULL,
			start_time    TEXT,
			end_time      TEXT,
			error_message TEXT NOT NULL DEFAULT '',

			FOREIGN KEY (execution_id) REFERENCES execution_logs(id) ON DELETE CASCADE,
			CHECK (status IN ('pending', 'executing', 'completed', 'failed', 'skipped'))
		);

		CREATE INDEX IF NOT EXISTS idx_execution_steps_execution
			ON execution_steps(execution_id, step_order);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create opens a new unsealed execution log entry and returns its ID.
func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs
			(id, session_id, plan_id, user_query, agent_id, user_id, workspace_id,
			 start_time, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.SessionID,
		params.PlanID,
		params.UserQuery,
		params.AgentID,
		params.UserID,
		params.WorkspaceID,
		now,
		OutcomeRunning,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("%w: inserting execution log: %v", ErrUnavailable, err)
	}

	s.logger.Debug("execution log created",
		"execution_id", id,
		"plan_id", params.PlanID,
		"session_id", params.SessionID)
	return id, nil
}

// AddStep appends a step trace to an unsealed entry and bumps the total
// step count. Returns the step ID.
func (s *SQLiteStore) AddStep(ctx context.Context, executionID string, step StepTrace) (string, error) {
	sealed, err := s.isSealed(ctx, executionID)
	if err != nil {
		return "", err
	}
	if sealed {
		return "", fmt.Errorf("%w: entry %s is sealed", ErrInvalidState, executionID)
	}

	stepID := uuid.New().String()
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return "", fmt.Errorf("marshaling step input: %w", err)
	}

	status := step.Status
	if status == "" {
		status = StepPending
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var startStr *string
	if step.StartTime != nil {
		t := step.StartTime.UTC().Format(time.RFC3339Nano)
		startStr = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_steps
			(id, execution_id, name, description, tool_id, input_json, status, step_order, start_time, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stepID,
		executionID,
		step.Name,
		step.Description,
		step.ToolID,
		string(inputJSON),
		status,
		step.Order,
		startStr,
		step.ErrorMessage,
	)
	if err != nil {
		return "", fmt.Errorf("%w: inserting execution step: %v", ErrUnavailable, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET total_steps = total_steps + 1, updated_at = ?
		WHERE id = ?`,
		now, executionID,
	)
	if err != nil {
		return "", fmt.Errorf("%w: updating step count: %v", ErrUnavailable, err)
	}

	return stepID, nil
}

// UpdateStep records a step's status transition and, when the status is
// terminal, updates the parent entry's step counters. Steps of a sealed
// entry are immutable and fail with ErrInvalidState.
func (s *SQLiteStore) UpdateStep(ctx context.Context, stepID string, status StepStatus, output map[string]any, errMessage string) error {
	var executionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM execution_steps WHERE id = ?`, stepID,
	).Scan(&executionID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: step %s", ErrNotFound, stepID)
	}
	if err != nil {
		return fmt.Errorf("%w: querying execution step: %v", ErrUnavailable, err)
	}
	sealed, err := s.isSealed(ctx, executionID)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("%w: entry %s is sealed", ErrInvalidState, executionID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var outputJSON *string
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshaling step output: %w", err)
		}
		str := string(data)
		outputJSON = &str
	}

	var startStr, endStr *string
	switch {
	case status == StepExecuting:
		startStr = &now
	case status == StepCompleted || status == StepFailed || status == StepSkipped:
		endStr = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps
		SET status = ?,
		    output_json = COALESCE(?, output_json),
		    error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
		    start_time = COALESCE(?, start_time),
		    end_time = COALESCE(?, end_time)
		WHERE id = ?`,
		status, outputJSON, errMessage, errMessage, startStr, endStr, stepID,
	)
	if err != nil {
		return fmt.Errorf("%w: updating execution step: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: step %s", ErrNotFound, stepID)
	}

	counter := ""
	switch status {
	case StepCompleted:
		counter = "completed_steps"
	case StepFailed:
		counter = "failed_steps"
	case StepSkipped:
		counter = "skipped_steps"
	}
	if counter != "" {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE execution_logs
			SET %s = %s + 1, updated_at = ?
			WHERE id = (SELECT execution_id FROM execution_steps WHERE id = ?)`, counter, counter),
			now, stepID,
		)
		if err != nil {
			return fmt.Errorf("%w: updating step counters: %v", ErrUnavailable, err)
		}
	}

	return nil
}

// Seal records the terminal outcome and end time for an entry. Sealing a
// sealed entry fails with ErrInvalidState; the entry is immutable after.
func (s *SQLiteStore) Seal(ctx context.Context, executionID string, outcome Outcome, errMessage string) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("%w: outcome %q is not terminal", ErrInvalidState, outcome)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET outcome = ?, error_message = ?, end_time = ?, updated_at = ?
		WHERE id = ? AND end_time IS NULL`,
		outcome, errMessage, now, now, executionID,
	)
	if err != nil {
		return fmt.Errorf("%w: sealing execution log: %v", ErrUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: sealing execution log: %v", ErrUnavailable, err)
	}
	if n == 0 {
		sealed, err := s.isSealed(ctx, executionID)
		if err != nil {
			return err
		}
		if sealed {
			return fmt.Errorf("%w: entry %s is already sealed", ErrInvalidState, executionID)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	s.logger.Debug("execution log sealed",
		"execution_id", executionID,
		"outcome", outcome)
	return nil
}

// isSealed reports whether the entry exists and has an end time.
func (s *SQLiteStore) isSealed(ctx context.Context, executionID string) (bool, error) {
	var endTime sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT end_time FROM execution_logs WHERE id = ?`, executionID,
	).Scan(&endTime)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: querying execution log: %v", ErrUnavailable, err)
	}
	return endTime.Valid, nil
}

// GetDetails returns an entry together with its steps in order.
func (s *SQLiteStore) GetDetails(ctx context.Context, executionID string) (*Details, error) {
	row := s.db.QueryRowContext(ctx, entryColumns+` FROM execution_logs WHERE id = ?`, executionID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, name, description, tool_id, input_json, output_json,
		       status, step_order, start_time, end_time, error_message
		FROM execution_steps
		WHERE execution_id = ?
		ORDER BY step_order ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying execution steps: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	details := &Details{Entry: entry}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		details.Steps = append(details.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating execution steps: %v", ErrUnavailable, err)
	}

	return details, nil
}

// Delete removes an entry and, via the foreign key cascade, its steps.
func (s *SQLiteStore) Delete(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("%w: deleting execution log: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	s.logger.Debug("execution log deleted", "execution_id", executionID)
	return nil
}

// Cleanup removes entries whose start time is older than the given age.
// Returns the number of entries removed.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleaning up execution logs: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: cleaning up execution logs: %v", ErrUnavailable, err)
	}
	if n > 0 {
		s.logger.Info("cleaned up old execution logs", "removed", n)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const entryColumns = `
	SELECT id, session_id, plan_id, user_query, agent_id, user_id, workspace_id,
	       start_time, end_time, outcome, error_message,
	       total_steps, completed_steps, failed_steps, skipped_steps,
	       created_at, updated_at`

// scanEntry scans a row into an Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var startStr, createdStr, updatedStr, outcomeStr string
	var endStr sql.NullString

	err := scanner.Scan(
		&e.ID,
		&e.SessionID,
		&e.PlanID,
		&e.UserQuery,
		&e.AgentID,
		&e.UserID,
		&e.WorkspaceID,
		&startStr,
		&endStr,
		&outcomeStr,
		&e.ErrorMessage,
		&e.TotalSteps,
		&e.CompletedSteps,
		&e.FailedSteps,
		&e.SkippedSteps,
		&createdStr,
		&updatedStr,
	)
	if err == sql.ErrNoRows {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("%w: scanning execution log: %v", ErrUnavailable, err)
	}

	e.Outcome = Outcome(outcomeStr)
	if e.StartTime, err = parseTime(startStr); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdStr); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return e, err
	}
	if endStr.Valid {
		t, err := parseTime(endStr.String)
		if err != nil {
			return e, err
		}
		e.EndTime = &t
	}
	return e, nil
}

// scanStep scans a row into a StepTrace.
func scanStep(scanner interface{ Scan(dest ...any) error }) (StepTrace, error) {
	var st StepTrace
	var inputJSON, statusStr string
	var outputJSON, startStr, endStr sql.NullString

	err := scanner.Scan(
		&st.ID,
		&st.ExecutionID,
		&st.Name,
		&st.Description,
		&st.ToolID,
		&inputJSON,
		&outputJSON,
		&statusStr,
		&st.Order,
		&startStr,
		&endStr,
		&st.ErrorMessage,
	)
	if err != nil {
		return st, fmt.Errorf("%w: scanning execution step: %v", ErrUnavailable, err)
	}

	st.Status = StepStatus(statusStr)
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &st.Input); err != nil {
			return st, fmt.Errorf("unmarshaling step input: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &st.Output); err != nil {
			return st, fmt.Errorf("unmarshaling step output: %w", err)
		}
	}
	if startStr.Valid {
		t, err := parseTime(startStr.String)
		if err != nil {
			return st, err
		}
		st.StartTime = &t
	}
	if endStr.Valid {
		t, err := parseTime(endStr.String)
		if err != nil {
			return st, err
		}
		st.EndTime = &t
	}
	return st, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
