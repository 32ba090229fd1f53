// Package conductor keeps the bookkeeping of verification file uploads.
// It writes only the storage store; subtasks are referenced by id value,
// never by a relation into the control store.
package conductor

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/store"
)

// Conductor records upload reports and answers completeness queries.
type Conductor struct {
	storage *store.StorageStore
}

// New builds a Conductor over the storage store.
func New(storage *store.StorageStore) *Conductor {
	return &Conductor{storage: storage}
}

// RegisterUploadReport records that a file arrived under path. When the
// path can already be attributed to a subtask, earlier unattributed reports
// of the same path are linked as well.
func (c *Conductor) RegisterUploadReport(ctx context.Context, path, subtaskID string) error {
	var report = store.UploadReport{Path: path, SubtaskID: subtaskID}
	if err := c.storage.CreateUploadReport(ctx, &report); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"path":      path,
		"subtaskID": subtaskID,
	}).Debug("registered upload report")

	if subtaskID == "" {
		return nil
	}
	var linked, err = c.storage.LinkUploadReports(ctx, path, subtaskID)
	if err != nil {
		return fmt.Errorf("linking earlier reports of %q: %w", path, err)
	}
	if linked > 0 {
		log.WithFields(log.Fields{
			"path":      path,
			"subtaskID": subtaskID,
			"linked":    linked,
		}).Info("attributed earlier upload reports")
	}
	return nil
}

// HasCompleteUploads reports whether every expected path has at least one
// upload report attributed to the subtask.
func (c *Conductor) HasCompleteUploads(ctx context.Context, subtaskID string, expectedPaths []string) (bool, error) {
	var reports, err = c.storage.UploadReportsFor(ctx, subtaskID)
	if err != nil {
		return false, err
	}
	var uploaded = make(map[string]bool, len(reports))
	for _, report := range reports {
		uploaded[report.Path] = true
	}
	for _, path := range expectedPaths {
		if !uploaded[path] {
			return false, nil
		}
	}
	return true, nil
}
