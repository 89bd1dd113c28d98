// ABOUTME: Criteria-based search over execution log entries.
// ABOUTME: Filterable by identity fields, outcome, time range and free text, newest first.

package execlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// normalizeLimit applies default (100) and cap (1000) to a search limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// normalizeOffset clamps a negative offset to 0.
func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// searchArgs holds nullable query arguments built from SearchCriteria.
type searchArgs struct {
	sessionID   *string
	agentID     *string
	userID      *string
	workspaceID *string
	outcome     *string
	since       *string
	until       *string
	keyword     *string
}

func buildSearchArgs(c SearchCriteria) searchArgs {
	var a searchArgs
	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	a.sessionID = opt(c.SessionID)
	a.agentID = opt(c.AgentID)
	a.userID = opt(c.UserID)
	a.workspaceID = opt(c.WorkspaceID)
	a.outcome = opt(string(c.Outcome))
	if c.Since != nil {
		s := c.Since.UTC().Format(time.RFC3339Nano)
		a.since = &s
	}
	if c.Until != nil {
		s := c.Until.UTC().Format(time.RFC3339Nano)
		a.until = &s
	}
	if c.Keyword != "" {
		k := "%" + c.Keyword + "%"
		a.keyword = &k
	}
	return a
}

const searchQuery = entryColumns + `
	FROM execution_logs
	WHERE (? IS NULL OR session_id = ?)
	  AND (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR workspace_id = ?)
	  AND (? IS NULL OR outcome = ?)
	  AND (? IS NULL OR start_time >= ?)
	  AND (? IS NULL OR start_time <= ?)
	  AND (? IS NULL OR user_query LIKE ?)
	ORDER BY start_time DESC
	LIMIT ? OFFSET ?
`

// Search returns entries matching the criteria, ordered by start time
// descending. A criteria with no filters set returns the most recent
// entries up to the limit.
func (s *SQLiteStore) Search(ctx context.Context, criteria SearchCriteria) ([]Entry, error) {
	limit := normalizeLimit(criteria.Limit)
	args := buildSearchArgs(criteria)

	rows, err := s.db.QueryContext(ctx, searchQuery,
		args.sessionID, args.sessionID,
		args.agentID, args.agentID,
		args.userID, args.userID,
		args.workspaceID, args.workspaceID,
		args.outcome, args.outcome,
		args.since, args.since,
		args.until, args.until,
		args.keyword, args.keyword,
		limit, normalizeOffset(criteria.Offset),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying execution logs: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating execution logs: %v", ErrUnavailable, err)
	}
	return entries, nil
}

// Duration math is done in SQL via julianday, which parses the stored
// RFC 3339 timestamps directly. Rows without an end time stay out of
// the duration aggregates.
const statsQuery = `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END), 0),
	       AVG((julianday(end_time) - julianday(start_time)) * 86400.0),
	       MIN((julianday(end_time) - julianday(start_time)) * 86400.0),
	       MAX((julianday(end_time) - julianday(start_time)) * 86400.0)
	FROM execution_logs
	WHERE (? IS NULL OR workspace_id = ?)
	  AND (? IS NULL OR start_time >= ?)
	  AND (? IS NULL OR start_time <= ?)
`

// Statistics aggregates executions whose start time falls inside
// [start, end] for the given workspace (empty workspace matches all).
// Counts and durations come from a single aggregate query, so the
// result covers every execution in the window. A window containing no
// executions yields zeroed stats, not an error.
func (s *SQLiteStore) Statistics(ctx context.Context, start, end time.Time, workspaceID string) (Stats, error) {
	stats := Stats{WindowStart: start, WindowEnd: end}

	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	workspace := opt(workspaceID)
	var since, until *string
	if !start.IsZero() {
		v := start.UTC().Format(time.RFC3339Nano)
		since = &v
	}
	if !end.IsZero() {
		v := end.UTC().Format(time.RFC3339Nano)
		until = &v
	}

	var avgSec, minSec, maxSec sql.NullFloat64
	err := s.db.QueryRowContext(ctx, statsQuery,
		workspace, workspace,
		since, since,
		until, until,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.Cancelled,
		&avgSec, &minSec, &maxSec)
	if err != nil {
		return stats, fmt.Errorf("%w: aggregating execution logs: %v", ErrUnavailable, err)
	}

	secs := func(v sql.NullFloat64) time.Duration {
		if !v.Valid {
			return 0
		}
		return time.Duration(v.Float64 * float64(time.Second))
	}
	stats.AvgDuration = secs(avgSec)
	stats.MinDuration = secs(minSec)
	stats.MaxDuration = secs(maxSec)

	if window := end.Sub(start); window > 0 && stats.Total > 0 {
		stats.PerHour = float64(stats.Total) / window.Hours()
	}

	return stats, nil
}
