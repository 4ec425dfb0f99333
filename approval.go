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

package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	opApproveJob  = "approve_job"
	opAutoRelease = "auto_release"
)

func releaseSettled(v *chain.JobView) bool {
	return v != nil && v.Exists && (v.Status == chain.ChainCompleted || v.Status == chain.ChainResolved)
}

// completedOutcome is the idempotent answer for a job whose funds were already released.
func completedOutcome(job *model.Job) model.Outcome {
	ref := ""
	if job.OnChainTxRef != nil {
		ref = *job.OnChainTxRef
	}
	out := model.Success(ref, job)
	if job.ReleasedAmount != nil {
		out.Payout = &model.Payout{Counterparty: job.ReleasedAmount, Platform: model.CloneAmount(job.PlatformFeeAmount)}
	}
	return out
}

// ApproveJob releases amount minus the platform fee to the counterparty. Approving a
// completed job succeeds again without touching the chain or the ledger.
func (e *Escrow) ApproveJob(ctx context.Context, jobID uuid.UUID, partyID string) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "ApproveJob")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opApproveJob, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if partyID != job.ClientID {
		return model.Rejected(model.ReasonNotParty, "only the client can approve the work"), nil
	}
	return e.release(ctx, job, partyID, opApproveJob, chain.ApproveJobCall)
}

// AutoRelease is the deadline-triggered release any caller may invoke once the approval
// deadline has passed with no dispute pending. It is signed by the platform.
func (e *Escrow) AutoRelease(ctx context.Context, jobID uuid.UUID) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "AutoRelease")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opAutoRelease, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if job.Status == model.JobUnderReview {
		if job.ApprovalDeadline == nil || e.now().Before(*job.ApprovalDeadline) {
			return model.Rejected(model.ReasonDeadlineNotReached, "approval deadline has not passed"), nil
		}
		pending, err := e.datasource.GetPendingDispute(ctx, job.ID)
		if err != nil {
			return model.Outcome{}, err
		}
		if pending != nil {
			return model.Rejected(model.ReasonDisputePending, "dispute %s is pending", pending.ID), nil
		}
	}
	return e.release(ctx, job, PartyPlatform, opAutoRelease, chain.AutoReleaseCall)
}

func (e *Escrow) release(ctx context.Context, job *model.Job, signerParty, op string, build func(*big.Int) chain.Call) (model.Outcome, error) {
	if job.Status == model.JobCompleted {
		return completedOutcome(job), nil
	}
	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil {
		return model.Outcome{}, err
	}
	if releaseSettled(view) && chain.VerifyTerms(view, job) == nil {
		res, err := e.reconcileJob(ctx, job, "")
		if err != nil {
			return model.Outcome{}, err
		}
		logrus.WithFields(jobFields(job, op)).Info("release already settled on chain")
		return completedOutcome(res.Job), nil
	}
	if job.Status != model.JobUnderReview {
		return model.Rejected(model.ReasonInvalidState, "job is %s, funds are released only from under_review", job.Status), nil
	}

	signer, err := e.signerFor(ctx, signerParty)
	if err != nil {
		return model.Outcome{}, err
	}
	payout := model.SplitPayout(job.Amount, job.PlatformFeeBps)
	return e.execute(ctx, action{
		op:      op,
		job:     job,
		signer:  signer,
		call:    build(chainID),
		timeout: e.conf.Escrow.ReleaseTimeout,
		transition: func(string, *chain.JobView) model.JobTransition {
			return model.JobTransition{To: model.JobCompleted, Payout: &payout}
		},
		settled: releaseSettled,
	})
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Released int `json:"released"`
	Pending  int `json:"pending"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// SweepAutoReleases auto-releases every job whose approval deadline has passed. It backs
// up the per-job queue tasks.
func (e *Escrow) SweepAutoReleases(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	jobs, err := e.datasource.GetJobsDueForAutoRelease(ctx, e.now(), e.conf.Reconciliation.BatchSize)
	if err != nil {
		return result, err
	}
	for _, job := range jobs {
		out, err := e.AutoRelease(ctx, job.ID)
		switch {
		case err != nil:
			result.Failed++
			logrus.WithFields(jobFields(job, opAutoRelease)).WithError(err).Warn("auto-release failed")
		case out.IsSuccess():
			result.Released++
		case out.IsPending():
			result.Pending++
		default:
			result.Rejected++
		}
	}
	return result, nil
}
