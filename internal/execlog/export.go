// ABOUTME: Export of matched execution log entries into JSON, CSV or text artifacts.
// ABOUTME: Options select step inclusion and record caps; empty matches can be rejected.

package execlog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export materializes entries matching the criteria into the requested
// output form. When options.RequireRows is set and nothing matches, the
// export fails with ErrEmptyResult.
func (s *SQLiteStore) Export(ctx context.Context, criteria SearchCriteria, options ExportOptions) (*Artifact, error) {
	if options.Format == "" {
		options.Format = FormatJSON
	}
	if options.MaxRecords > 0 && (criteria.Limit <= 0 || criteria.Limit > options.MaxRecords) {
		criteria.Limit = options.MaxRecords
	}

	entries, err := s.Search(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && options.RequireRows {
		return nil, ErrEmptyResult
	}

	var allSteps map[string][]StepTrace
	if options.IncludeSteps {
		allSteps = make(map[string][]StepTrace, len(entries))
		for _, e := range entries {
			details, err := s.GetDetails(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			allSteps[e.ID] = details.Steps
		}
	}

	var data []byte
	switch options.Format {
	case FormatJSON:
		data, err = exportJSON(entries, allSteps)
	case FormatCSV:
		data, err = exportCSV(entries)
	case FormatText:
		data, err = exportText(entries)
	default:
		return nil, fmt.Errorf("unsupported export format %q", options.Format)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("exported execution logs",
		"format", options.Format,
		"records", len(entries))

	return &Artifact{
		Format:     options.Format,
		MIMEType:   options.Format.MIMEType(),
		Data:       data,
		Records:    len(entries),
		ExportedAt: time.Now().UTC(),
	}, nil
}

type jsonExportEntry struct {
	Entry
	Steps []StepTrace `json:"Steps,omitempty"`
}

type jsonExport struct {
	ExecutionLogs []jsonExportEntry `json:"execution_logs"`
	ExportedAt    time.Time         `json:"exported_at"`
	TotalRecords  int               `json:"total_records"`
}

func exportJSON(entries []Entry, steps map[string][]StepTrace) ([]byte, error) {
	out := jsonExport{
		ExecutionLogs: make([]jsonExportEntry, 0, len(entries)),
		ExportedAt:    time.Now().UTC(),
		TotalRecords:  len(entries),
	}
	for _, e := range entries {
		out.ExecutionLogs = append(out.ExecutionLogs, jsonExportEntry{
			Entry: e,
			Steps: steps[e.ID],
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling export: %w", err)
	}
	return data, nil
}

func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "session_id", "plan_id", "user_query", "agent_id",
		"workspace_id", "outcome", "start_time", "end_time",
		"total_steps", "completed_steps", "failed_steps",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}

	for _, e := range entries {
		endTime := ""
		if e.EndTime != nil {
			endTime = e.EndTime.Format(time.RFC3339)
		}
		row := []string{
			e.ID,
			e.SessionID,
			e.PlanID,
			e.UserQuery,
			e.AgentID,
			e.WorkspaceID,
			string(e.Outcome),
			e.StartTime.Format(time.RFC3339),
			endTime,
			strconv.Itoa(e.TotalSteps),
			strconv.Itoa(e.CompletedSteps),
			strconv.Itoa(e.FailedSteps),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportText(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Execution Log Export\n")
	fmt.Fprintf(&buf, "====================\n\n")
	fmt.Fprintf(&buf, "Exported at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "Total records: %d\n\n", len(entries))

	for i, e := range entries {
		fmt.Fprintf(&buf, "Entry #%d: %s\n", i+1, e.ID)
		fmt.Fprintf(&buf, "----------------------------------------\n")
		fmt.Fprintf(&buf, "Session: %s\n", e.SessionID)
		fmt.Fprintf(&buf, "Plan: %s\n", e.PlanID)
		fmt.Fprintf(&buf, "Query: %s\n", e.UserQuery)
		fmt.Fprintf(&buf, "Outcome: %s\n", e.Outcome)
		fmt.Fprintf(&buf, "Started: %s\n", e.StartTime.Format(time.RFC3339))
		if e.EndTime != nil {
			fmt.Fprintf(&buf, "Ended: %s (%s)\n", e.EndTime.Format(time.RFC3339), e.Duration().Round(time.Millisecond))
		}
		fmt.Fprintf(&buf, "Steps: %d total, %d completed, %d failed, %d skipped\n\n",
			e.TotalSteps, e.CompletedSteps, e.FailedSteps, e.SkippedSteps)
	}

	return buf.Bytes(), nil
}
