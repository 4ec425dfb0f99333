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
	"strconv"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
)

const (
	opSubmitWork      = "submit_work"
	opRequestRevision = "request_revision"
	opSubmitRevision  = "submit_revision"
)

// Submission is an immutable content pointer with an optional version-control ref.
type Submission struct {
	DeliverableRef string `json:"deliverable_ref"`
	VCSRef         string `json:"vcs_ref,omitempty"`
}

func (s Submission) vcsRef() *string {
	if s.VCSRef == "" {
		return nil
	}
	v := s.VCSRef
	return &v
}

// SubmitWork delivers the initial work (revision 0) and moves the job to under_review.
func (e *Escrow) SubmitWork(ctx context.Context, jobID uuid.UUID, partyID string, sub Submission) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "SubmitWork")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opSubmitWork, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if rejected, ok := checkSubmission(job, partyID, sub, model.JobInProgress); !ok {
		return rejected, nil
	}
	return e.submit(ctx, job, partyID, sub, opSubmitWork, job.CurrentRevisionNumber)
}

// SubmitRevision answers a revision request. The revision number increments and may
// never exceed allowed_revisions; that is rejected before anything reaches the chain.
func (e *Escrow) SubmitRevision(ctx context.Context, jobID uuid.UUID, partyID string, sub Submission) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "SubmitRevision")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opSubmitRevision, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if rejected, ok := checkSubmission(job, partyID, sub, model.JobRevisionRequested); !ok {
		return rejected, nil
	}
	next := job.CurrentRevisionNumber + 1
	if next > job.AllowedRevisions {
		return model.Rejected(model.ReasonRevisionQuotaExceeded, "revision %d exceeds the %d allowed revisions", next, job.AllowedRevisions).
			WithDetail("allowed_revisions", strconv.Itoa(job.AllowedRevisions)), nil
	}
	return e.submit(ctx, job, partyID, sub, opSubmitRevision, next)
}

func checkSubmission(job *model.Job, partyID string, sub Submission, want model.JobStatus) (model.Outcome, bool) {
	if partyID != job.CounterpartyID {
		return model.Rejected(model.ReasonNotParty, "only the counterparty can submit work"), false
	}
	if job.Status != want {
		return model.Rejected(model.ReasonInvalidState, "job is %s, expected %s", job.Status, want), false
	}
	if strings.TrimSpace(sub.DeliverableRef) == "" {
		return model.Rejected(model.ReasonInvalidState, "a deliverable reference is required"), false
	}
	return model.Outcome{}, true
}

func (e *Escrow) submit(ctx context.Context, job *model.Job, partyID string, sub Submission, op string, revision int) (model.Outcome, error) {
	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	signer, err := e.signerFor(ctx, partyID)
	if err != nil {
		return model.Outcome{}, err
	}
	call := chain.SubmitWorkCall(chainID, sub.DeliverableRef, sub.VCSRef)
	if op == opSubmitRevision {
		call = chain.SubmitRevisionCall(chainID, sub.DeliverableRef, sub.VCSRef)
	}

	out, err := e.execute(ctx, action{
		op:      op,
		job:     job,
		signer:  signer,
		call:    call,
		timeout: e.conf.Escrow.ActionTimeout,
		transition: func(txRef string, view *chain.JobView) model.JobTransition {
			rev := revision
			t := model.JobTransition{
				To:             model.JobUnderReview,
				RevisionNumber: &rev,
				Revision: &model.Revision{
					JobID:          job.ID,
					RevisionNumber: revision,
					DeliverableRef: sub.DeliverableRef,
					VCSRef:         sub.vcsRef(),
					SubmittedBy:    partyID,
					TxRef:          txRef,
				},
			}
			if view != nil {
				t.Deadlines = view.Deadlines()
			}
			return t
		},
	})
	if err == nil && out.IsSuccess() && out.Job != nil && out.Job.Status == model.JobUnderReview {
		e.scheduleAutoRelease(ctx, out.Job)
	}
	return out, err
}

// RequestRevision sends delivered work back to the counterparty with notes.
func (e *Escrow) RequestRevision(ctx context.Context, jobID uuid.UUID, partyID, notes string) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "RequestRevision")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opRequestRevision, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if partyID != job.ClientID {
		return model.Rejected(model.ReasonNotParty, "only the client can request a revision"), nil
	}
	if job.Status != model.JobUnderReview {
		return model.Rejected(model.ReasonInvalidState, "job is %s, revisions can only be requested while under_review", job.Status), nil
	}
	if job.RevisionsRemaining() == 0 {
		return model.Rejected(model.ReasonRevisionQuotaExceeded, "all %d allowed revisions have been used", job.AllowedRevisions).
			WithDetail("allowed_revisions", strconv.Itoa(job.AllowedRevisions)), nil
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return model.Rejected(model.ReasonInvalidState, "revision notes are required"), nil
	}
	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	signer, err := e.signerFor(ctx, partyID)
	if err != nil {
		return model.Outcome{}, err
	}
	return e.execute(ctx, action{
		op:      opRequestRevision,
		job:     job,
		signer:  signer,
		call:    chain.RequestRevisionCall(chainID, notes),
		timeout: e.conf.Escrow.ActionTimeout,
		transition: func(string, *chain.JobView) model.JobTransition {
			n := notes
			return model.JobTransition{To: model.JobRevisionRequested, RevisionNotes: &n}
		},
	})
}

// ListRevisions returns the append-only submission history, oldest first.
func (e *Escrow) ListRevisions(ctx context.Context, jobID uuid.UUID) ([]model.Revision, error) {
	if _, err := e.datasource.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.datasource.GetRevisions(ctx, jobID)
}
