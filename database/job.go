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
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("escrow.database")

var (
	// ErrStatusConflict means the compare-and-set lost: the job is no longer in the expected status.
	ErrStatusConflict = errors.New("job status changed concurrently")
	// ErrDisputeExists means the job already has a pending dispute.
	ErrDisputeExists = errors.New("job already has a pending dispute")
	// ErrNoPendingDispute means there is no pending dispute to resolve.
	ErrNoPendingDispute = errors.New("job has no pending dispute")
)

const jobColumns = `id, chain_job_id, client_id, counterparty_id, client_address, counterparty_address, token,
	amount, platform_fee_bps, freelancer_stake_required, stake_amount, allowed_revisions, current_revision_number,
	submission_deadline, review_deadline, approval_deadline, status, on_chain_tx_ref, pending_tx_ref, listing_ref,
	revision_notes, released_amount, platform_fee_amount, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                                    model.Job
		amount, stake                          string
		released, fee                          sql.NullString
		submission, review, approval           sql.NullTime
		onChainTxRef, pendingTxRef, listingRef sql.NullString
		status                                 string
	)
	err := row.Scan(
		&job.ID, &job.ChainJobID, &job.ClientID, &job.CounterpartyID, &job.ClientAddress, &job.CounterpartyAddress, &job.Token,
		&amount, &job.PlatformFeeBps, &job.FreelancerStakeRequired, &stake, &job.AllowedRevisions, &job.CurrentRevisionNumber,
		&submission, &review, &approval, &status, &onChainTxRef, &pendingTxRef, &listingRef,
		&job.RevisionNotes, &released, &fee, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if job.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if job.StakeAmount, err = parseNumeric(stake); err != nil {
		return nil, err
	}
	if job.ReleasedAmount, err = parseNullNumeric(released); err != nil {
		return nil, err
	}
	if job.PlatformFeeAmount, err = parseNullNumeric(fee); err != nil {
		return nil, err
	}
	job.SubmissionDeadline = nullTime(submission)
	job.ReviewDeadline = nullTime(review)
	job.ApprovalDeadline = nullTime(approval)
	job.OnChainTxRef = nullString(onChainTxRef)
	job.PendingTxRef = nullString(pendingTxRef)
	job.ListingRef = nullString(listingRef)
	return &job, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

func parseNullNumeric(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	return parseNumeric(s.String)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func numericArg(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func (d Datasource) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "CreateJob")
	defer span.End()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = model.JobAwaitingFunding
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow.jobs (id, chain_job_id, client_id, counterparty_id, client_address, counterparty_address, token,
			amount, platform_fee_bps, freelancer_stake_required, stake_amount, allowed_revisions, status, listing_ref,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, job.ID, job.ChainJobID, job.ClientID, job.CounterpartyID, job.ClientAddress, job.CounterpartyAddress, job.Token,
		numericArg(job.Amount), job.PlatformFeeBps, job.FreelancerStakeRequired, numericArg(model.CloneAmount(job.StakeAmount)),
		job.AllowedRevisions, string(job.Status), job.ListingRef, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Job with this ID already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create job", err)
	}

	if err := insertHistory(ctx, tx, job.ID, "", job.Status, nil, model.SourceOrchestrator); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit job", err)
	}
	return job, nil
}

func (d Datasource) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "GetJob")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM escrow.jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("job with ID '%s' not found", id), err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", err)
	}
	return job, nil
}

func (d Datasource) GetJobsByChainID(ctx context.Context, chainJobID string) ([]*model.Job, error) {
	ctx, span := tracer.Start(ctx, "GetJobsByChainID")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+jobColumns+` FROM escrow.jobs WHERE chain_job_id = $1 ORDER BY created_at`, chainJobID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve jobs", err)
	}
	return collectJobs(rows)
}

func (d Datasource) GetNonTerminalJobs(ctx context.Context, after uuid.UUID, limit int) ([]*model.Job, error) {
	ctx, span := tracer.Start(ctx, "GetNonTerminalJobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM escrow.jobs
		WHERE status NOT IN ('completed', 'cancelled', 'refunded') AND id > $1
		ORDER BY id
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve open jobs", err)
	}
	return collectJobs(rows)
}

func (d Datasource) GetJobsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	ctx, span := tracer.Start(ctx, "GetJobsDueForAutoRelease")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM escrow.jobs
		WHERE status = 'under_review' AND approval_deadline IS NOT NULL AND approval_deadline <= $1
		ORDER BY approval_deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve due jobs", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	jobs := []*model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job data", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over jobs", err)
	}
	return jobs, nil
}

func (d Datasource) SetPendingTx(ctx context.Context, id uuid.UUID, status model.JobStatus, txRef *string) error {
	ctx, span := tracer.Start(ctx, "SetPendingTx")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE escrow.jobs SET pending_tx_ref = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, txRef, id, string(status))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record pending transaction", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record pending transaction", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// buildTransition renders the compare-and-set update. Nil fields on t leave columns untouched.
func buildTransition(id uuid.UUID, t model.JobTransition) (string, []interface{}) {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{string(t.To)}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if t.TxRef != nil {
		add("on_chain_tx_ref", *t.TxRef)
	}
	if t.ClearPending {
		sets = append(sets, "pending_tx_ref = NULL")
	}
	if t.Deadlines != nil {
		if t.Deadlines.Submission != nil {
			add("submission_deadline", *t.Deadlines.Submission)
		}
		if t.Deadlines.Review != nil {
			add("review_deadline", *t.Deadlines.Review)
		}
		if t.Deadlines.Approval != nil {
			add("approval_deadline", *t.Deadlines.Approval)
		}
	}
	if t.RevisionNumber != nil {
		add("current_revision_number", *t.RevisionNumber)
	}
	if t.RevisionNotes != nil {
		add("revision_notes", *t.RevisionNotes)
	}
	if t.Payout != nil {
		add("released_amount", numericArg(t.Payout.Counterparty))
		add("platform_fee_amount", numericArg(t.Payout.Platform))
	}

	args = append(args, id, string(t.From))
	query := fmt.Sprintf("UPDATE escrow.jobs SET %s WHERE id = $%d AND status = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args)-1, len(args), jobColumns)
	return query, args
}

func (d Datasource) TransitionJob(ctx context.Context, id uuid.UUID, t model.JobTransition) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "TransitionJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("job.from", string(t.From)),
		attribute.String("job.to", string(t.To)),
	)

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args := buildTransition(id, t)
	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatusConflict
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update job status", err)
	}

	if err := insertHistory(ctx, tx, id, t.From, t.To, t.TxRef, t.Source); err != nil {
		return nil, err
	}
	if t.Revision != nil {
		if err := insertRevision(ctx, tx, t.Revision); err != nil {
			return nil, err
		}
	}
	if t.OpenDispute != nil {
		if err := insertDispute(ctx, tx, t.OpenDispute); err != nil {
			return nil, err
		}
	}
	if t.CloseDispute != nil {
		if err := closeDispute(ctx, tx, t.CloseDispute); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit job transition", err)
	}
	return job, nil
}
