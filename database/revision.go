/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func insertHistory(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, from, to model.JobStatus, txRef *string, source string) error {
	var fromStatus interface{}
	if from != "" {
		fromStatus = string(from)
	}
	if source == "" {
		source = model.SourceOrchestrator
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow.job_status_history (job_id, from_status, to_status, tx_ref, source)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, fromStatus, string(to), txRef, source)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record status history", err)
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev *model.Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow.job_revisions (job_id, revision_number, deliverable_ref, vcs_ref, submitted_by, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rev.JobID, rev.RevisionNumber, rev.DeliverableRef, rev.VCSRef, rev.SubmittedBy, rev.TxRef)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Revision already recorded", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record revision", err)
	}
	return nil
}

func (d Datasource) GetRevisions(ctx context.Context, jobID uuid.UUID) ([]model.Revision, error) {
	ctx, span := tracer.Start(ctx, "GetRevisions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT job_id, revision_number, deliverable_ref, vcs_ref, submitted_by, tx_ref, submitted_at
		FROM escrow.job_revisions
		WHERE job_id = $1
		ORDER BY revision_number
	`, jobID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve revisions", err)
	}
	defer rows.Close()

	revisions := []model.Revision{}
	for rows.Next() {
		var rev model.Revision
		var vcsRef sql.NullString
		if err := rows.Scan(&rev.JobID, &rev.RevisionNumber, &rev.DeliverableRef, &vcsRef, &rev.SubmittedBy, &rev.TxRef, &rev.SubmittedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan revision", err)
		}
		rev.VCSRef = nullString(vcsRef)
		revisions = append(revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over revisions", err)
	}
	return revisions, nil
}

func (d Datasource) GetStatusHistory(ctx context.Context, jobID uuid.UUID) ([]model.StatusHistory, error) {
	ctx, span := tracer.Start(ctx, "GetStatusHistory")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT job_id, from_status, to_status, tx_ref, source, created_at
		FROM escrow.job_status_history
		WHERE job_id = $1
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve status history", err)
	}
	defer rows.Close()

	entries := []model.StatusHistory{}
	for rows.Next() {
		var h model.StatusHistory
		var from, txRef sql.NullString
		var to string
		if err := rows.Scan(&h.JobID, &from, &to, &txRef, &h.Source, &h.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan status history", err)
		}
		h.From = model.JobStatus(from.String)
		h.To = model.JobStatus(to)
		h.TxRef = nullString(txRef)
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over status history", err)
	}
	return entries, nil
}
