package store

import (
	"context"
	"fmt"
)

// CreateUploadReport records one observed upload. SubtaskID may be empty
// when the upload path could not be attributed to a known subtask yet.
func (s *StorageStore) CreateUploadReport(ctx context.Context, report *UploadReport) error {
	if report.Path == "" {
		return fmt.Errorf("upload report requires a path")
	}
	var result, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_reports (path, subtask_id) VALUES (?, ?)`,
		report.Path, nullableString(report.SubtaskID))
	if err != nil {
		return fmt.Errorf("inserting upload report: %w", err)
	}
	report.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading upload report id: %w", err)
	}
	return nil
}

// LinkUploadReports attributes all unlinked reports under a path to a
// subtask, returning how many were linked.
func (s *StorageStore) LinkUploadReports(ctx context.Context, path, subtaskID string) (int64, error) {
	var result, err = s.db.ExecContext(ctx,
		`UPDATE upload_reports SET subtask_id = ? WHERE path = ? AND subtask_id IS NULL`,
		subtaskID, path)
	if err != nil {
		return 0, fmt.Errorf("linking upload reports: %w", err)
	}
	return result.RowsAffected()
}

// UploadReportsFor returns all reports attributed to a subtask, oldest first.
func (s *StorageStore) UploadReportsFor(ctx context.Context, subtaskID string) ([]*UploadReport, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT id, path, subtask_id, created_at FROM upload_reports
			WHERE subtask_id = ? ORDER BY created_at, id`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("selecting upload reports: %w", err)
	}
	defer rows.Close()

	var reports []*UploadReport
	for rows.Next() {
		var report UploadReport
		if err = rows.Scan(&report.ID, &report.Path, &report.SubtaskID, &report.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning upload report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
