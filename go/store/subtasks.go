package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golemfactory/concent/go/messages"
)

// ErrInconsistentSubtaskMessages reports a subtask whose stored messages
// embed a TaskToCompute that differs from the subtask's canonical one.
var ErrInconsistentSubtaskMessages = errors.New("store: subtask messages embed differing TaskToCompute")

// CreateSubtask validates and inserts a subtask record, filling in its id.
func CreateSubtask(ctx context.Context, q Queryer, subtask *Subtask) error {
	if err := validateSubtask(subtask); err != nil {
		return err
	}
	var result, err = q.ExecContext(ctx,
		`INSERT INTO subtasks
			(task_id, subtask_id, state, next_deadline, task_to_compute,
			 report_computed_task, subtask_results_accepted, subtask_results_rejected)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		subtask.TaskID, subtask.SubtaskID, string(subtask.State),
		nullableInt(subtask.NextDeadline), subtask.TaskToCompute,
		nullableBlob(subtask.ReportComputedTask),
		nullableBlob(subtask.SubtaskResultsAccepted),
		nullableBlob(subtask.SubtaskResultsRejected))
	if err != nil {
		return fmt.Errorf("inserting subtask: %w", err)
	}
	subtask.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading subtask id: %w", err)
	}
	return nil
}

// UpdateSubtask validates and writes back a subtask's mutable columns.
func UpdateSubtask(ctx context.Context, q Queryer, subtask *Subtask) error {
	if err := validateSubtask(subtask); err != nil {
		return err
	}
	var result, err = q.ExecContext(ctx,
		`UPDATE subtasks SET state = ?, next_deadline = ?,
			report_computed_task = ?, subtask_results_accepted = ?,
			subtask_results_rejected = ?, modified_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
		string(subtask.State), nullableInt(subtask.NextDeadline),
		nullableBlob(subtask.ReportComputedTask),
		nullableBlob(subtask.SubtaskResultsAccepted),
		nullableBlob(subtask.SubtaskResultsRejected),
		subtask.ID)
	if err != nil {
		return fmt.Errorf("updating subtask: %w", err)
	}
	return requireOneRow(result, "subtask", subtask.ID)
}

// GetSubtask fetches a subtask by its Golem subtask id.
func GetSubtask(ctx context.Context, q Queryer, subtaskID string) (*Subtask, error) {
	var (
		subtask      Subtask
		state        string
		nextDeadline sql.NullInt64
	)
	var err = q.QueryRowContext(ctx,
		`SELECT id, task_id, subtask_id, state, next_deadline, task_to_compute,
			report_computed_task, subtask_results_accepted, subtask_results_rejected,
			created_at, modified_at
			FROM subtasks WHERE subtask_id = ?`, subtaskID).
		Scan(&subtask.ID, &subtask.TaskID, &subtask.SubtaskID, &state, &nextDeadline,
			&subtask.TaskToCompute, &subtask.ReportComputedTask,
			&subtask.SubtaskResultsAccepted, &subtask.SubtaskResultsRejected,
			&subtask.CreatedAt, &subtask.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subtask %q", ErrNotFound, subtaskID)
	} else if err != nil {
		return nil, fmt.Errorf("selecting subtask: %w", err)
	}
	subtask.State = SubtaskState(state)
	subtask.NextDeadline = nextDeadline.Int64
	return &subtask, nil
}

// ActiveSubtasksPastDeadline returns active subtasks whose deadline has
// passed, oldest deadline first.
func ActiveSubtasksPastDeadline(ctx context.Context, q Queryer, now int64) ([]*Subtask, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT subtask_id FROM subtasks
			WHERE state IN (?, ?, ?, ?, ?) AND next_deadline IS NOT NULL AND next_deadline < ?
			ORDER BY next_deadline, id`,
		string(StateForcingReport), string(StateForcingResultTransfer),
		string(StateForcingAcceptance), string(StateVerificationFileTransfer),
		string(StateAdditionalVerification), now)
	if err != nil {
		return nil, fmt.Errorf("selecting overdue subtasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subtask id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var subtasks = make([]*Subtask, 0, len(ids))
	for _, id := range ids {
		subtask, err := GetSubtask(ctx, q, id)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, subtask)
	}
	return subtasks, nil
}

// validateSubtask enforces structural invariants: active states carry a
// deadline, and every stored message embeds the subtask's canonical
// TaskToCompute.
func validateSubtask(subtask *Subtask) error {
	if subtask.SubtaskID == "" || subtask.TaskID == "" {
		return fmt.Errorf("subtask requires task and subtask ids")
	}
	if subtask.State.Active() && subtask.NextDeadline == 0 {
		return fmt.Errorf("active subtask %q in state %s has no deadline", subtask.SubtaskID, subtask.State)
	}
	if len(subtask.TaskToCompute) == 0 {
		return fmt.Errorf("subtask %q has no TaskToCompute", subtask.SubtaskID)
	}

	var canonical, err = decodeTaskToCompute(subtask.TaskToCompute)
	if err != nil {
		return fmt.Errorf("subtask %q: %w", subtask.SubtaskID, err)
	}
	if canonical.SubtaskID != subtask.SubtaskID || canonical.TaskID != subtask.TaskID {
		return fmt.Errorf("subtask %q: TaskToCompute names subtask %q of task %q",
			subtask.SubtaskID, canonical.SubtaskID, canonical.TaskID)
	}

	for _, raw := range [][]byte{
		subtask.ReportComputedTask,
		subtask.SubtaskResultsAccepted,
		subtask.SubtaskResultsRejected,
	} {
		if len(raw) == 0 {
			continue
		}
		var embedded, err = embeddedTaskToCompute(raw)
		if err != nil {
			return fmt.Errorf("subtask %q: %w", subtask.SubtaskID, err)
		}
		if !messages.Equal(canonical, embedded) {
			return fmt.Errorf("%w: subtask %q", ErrInconsistentSubtaskMessages, subtask.SubtaskID)
		}
	}
	return nil
}

func decodeTaskToCompute(raw []byte) (*messages.TaskToCompute, error) {
	var signed, err = messages.Decode(raw)
	if err != nil {
		return nil, err
	}
	var ttc, ok = signed.Payload.(*messages.TaskToCompute)
	if !ok {
		return nil, fmt.Errorf("stored TaskToCompute column holds a %T", signed.Payload)
	}
	return ttc, nil
}

func embeddedTaskToCompute(raw []byte) (*messages.TaskToCompute, error) {
	var signed, err = messages.Decode(raw)
	if err != nil {
		return nil, err
	}
	switch msg := signed.Payload.(type) {
	case *messages.ReportComputedTask:
		return msg.TaskToCompute, nil
	case *messages.SubtaskResultsAccepted:
		return msg.TaskToCompute, nil
	case *messages.SubtaskResultsRejected:
		if msg.ReportComputedTask == nil {
			return nil, fmt.Errorf("SubtaskResultsRejected embeds no ReportComputedTask")
		}
		return msg.ReportComputedTask.TaskToCompute, nil
	default:
		return nil, fmt.Errorf("subtask columns cannot hold a %T", signed.Payload)
	}
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableBlob(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
