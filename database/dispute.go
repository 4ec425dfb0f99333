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

const disputeColumns = `id, job_id, raised_by, deposit_amount, status, evidence_bundle, resolution_notes,
	client_amount, freelancer_amount, penalize_client, slash_freelancer_stake, resolved_by,
	raise_tx_ref, resolve_tx_ref, created_at, resolved_at`

func scanDispute(row rowScanner) (*model.Dispute, error) {
	var (
		d                              model.Dispute
		deposit, status                string
		evidence                       []byte
		clientAmount, freelancerAmt    sql.NullString
		resolvedBy, raiseTx, resolveTx sql.NullString
		resolvedAt                     sql.NullTime
	)
	err := row.Scan(&d.ID, &d.JobID, &d.RaisedBy, &deposit, &status, &evidence, &d.ResolutionNotes,
		&clientAmount, &freelancerAmt, &d.PenalizeClient, &d.SlashFreelancerStake, &resolvedBy,
		&raiseTx, &resolveTx, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = model.DisputeStatus(status)
	if len(evidence) > 0 {
		d.EvidenceBundle = evidence
	}
	if d.DepositAmount, err = parseNumeric(deposit); err != nil {
		return nil, err
	}
	if d.ClientAmount, err = parseNullNumeric(clientAmount); err != nil {
		return nil, err
	}
	if d.FreelancerAmount, err = parseNullNumeric(freelancerAmt); err != nil {
		return nil, err
	}
	d.ResolvedBy = resolvedBy.String
	d.RaiseTxRef = raiseTx.String
	d.ResolveTxRef = resolveTx.String
	d.ResolvedAt = nullTime(resolvedAt)
	return &d, nil
}

func insertDispute(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	if d.ID == "" {
		d.ID = model.GenerateUUIDWithSuffix("dsp")
	}
	var evidence interface{}
	if len(d.EvidenceBundle) > 0 {
		evidence = []byte(d.EvidenceBundle)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow.disputes (id, job_id, raised_by, deposit_amount, status, evidence_bundle, raise_tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.JobID, d.RaisedBy, numericArg(model.CloneAmount(d.DepositAmount)), string(model.DisputePending), evidence, d.RaiseTxRef)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDisputeExists
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record dispute", err)
	}
	d.Status = model.DisputePending
	return nil
}

func closeDispute(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow.disputes
		SET status = $2, resolution_notes = $3, client_amount = $4, freelancer_amount = $5,
			penalize_client = $6, slash_freelancer_stake = $7, resolved_by = $8, resolve_tx_ref = $9, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, d.ID, string(model.DisputeResolved), d.ResolutionNotes, numericArg(d.ClientAmount), numericArg(d.FreelancerAmount),
		d.PenalizeClient, d.SlashFreelancerStake, d.ResolvedBy, d.ResolveTxRef)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve dispute", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve dispute", err)
	}
	if affected == 0 {
		return ErrNoPendingDispute
	}
	d.Status = model.DisputeResolved
	return nil
}

// GetPendingDispute returns the job's pending dispute, or nil when there is none.
func (d Datasource) GetPendingDispute(ctx context.Context, jobID uuid.UUID) (*model.Dispute, error) {
	ctx, span := tracer.Start(ctx, "GetPendingDispute")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM escrow.disputes WHERE job_id = $1 AND status = 'pending'`, jobID)
	dispute, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dispute", err)
	}
	return dispute, nil
}

func (d Datasource) GetDisputes(ctx context.Context, jobID uuid.UUID) ([]*model.Dispute, error) {
	ctx, span := tracer.Start(ctx, "GetDisputes")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+disputeColumns+` FROM escrow.disputes WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve disputes", err)
	}
	defer rows.Close()

	disputes := []*model.Dispute{}
	for rows.Next() {
		dispute, err := scanDispute(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan dispute", err)
		}
		disputes = append(disputes, dispute)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over disputes", err)
	}
	return disputes, nil
}
