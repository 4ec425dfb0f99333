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
	"testing"

	"github.com/blnkfinance/escrow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycleWithRevision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.fundedJob(t, 500, 2)

	out, err := h.e.SubmitWork(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v0", VCSRef: "abc123"})
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, model.JobUnderReview, out.Job.Status)
	assert.Equal(t, 0, out.Job.CurrentRevisionNumber)
	require.NotNil(t, out.Job.ApprovalDeadline)
	assert.Equal(t, *out.Job.ApprovalDeadline, h.scheduler.autoReleases[job.ID])

	out, err = h.e.RequestRevision(ctx, job.ID, clientParty, "tighten the copy")
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, model.JobRevisionRequested, out.Job.Status)
	assert.Equal(t, "tighten the copy", out.Job.RevisionNotes)
	assert.Equal(t, 2, out.Job.RevisionsRemaining())

	out, err = h.e.SubmitRevision(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v1"})
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, model.JobUnderReview, out.Job.Status)
	assert.Equal(t, 1, out.Job.CurrentRevisionNumber)

	out, err = h.e.ApproveJob(ctx, job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	require.NotNil(t, out.Payout)
	assert.Equal(t, "490", out.Payout.Counterparty.String())
	assert.Equal(t, "10", out.Payout.Platform.String())

	assert.Equal(t, []model.JobStatus{
		model.JobAwaitingFunding,
		model.JobInProgress,
		model.JobUnderReview,
		model.JobRevisionRequested,
		model.JobUnderReview,
		model.JobCompleted,
	}, h.store.statusSequence(job.ID))

	revisions, err := h.e.ListRevisions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	assert.Equal(t, 0, revisions[0].RevisionNumber)
	require.NotNil(t, revisions[0].VCSRef)
	assert.Equal(t, "abc123", *revisions[0].VCSRef)
	assert.Equal(t, 1, revisions[1].RevisionNumber)
	assert.Nil(t, revisions[1].VCSRef)
	assert.Equal(t, freelancerParty, revisions[1].SubmittedBy)
}

func TestSubmitWorkRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	unfunded := h.newJob(t, 500, 1)
	funded := h.fundedJob(t, 500, 1)
	sent := len(h.contract.sentMethods())

	out, err := h.e.SubmitWork(ctx, unfunded.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v0"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)

	out, err = h.e.SubmitWork(ctx, funded.ID, clientParty, Submission{DeliverableRef: "ipfs://v0"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotParty, out.Reason)

	out, err = h.e.SubmitWork(ctx, funded.ID, freelancerParty, Submission{DeliverableRef: "  "})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)

	out, err = h.e.SubmitRevision(ctx, funded.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v1"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)

	assert.Len(t, h.contract.sentMethods(), sent)
}

func TestRevisionQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submittedJob(t, 500, 1)

	out, err := h.e.RequestRevision(ctx, job.ID, clientParty, "one more pass")
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	out, err = h.e.SubmitRevision(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v1"})
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	sent := len(h.contract.sentMethods())

	out, err = h.e.RequestRevision(ctx, job.ID, clientParty, "and another")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRevisionQuotaExceeded, out.Reason)
	assert.Equal(t, "1", out.Details["allowed_revisions"])

	// Force the ledger into revision_requested with the quota spent.
	_, err = h.store.TransitionJob(ctx, job.ID, model.JobTransition{From: model.JobUnderReview, To: model.JobRevisionRequested})
	require.NoError(t, err)
	out, err = h.e.SubmitRevision(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v2"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRevisionQuotaExceeded, out.Reason)

	assert.Len(t, h.contract.sentMethods(), sent)
}

func TestRequestRevisionRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submittedJob(t, 500, 2)

	out, err := h.e.RequestRevision(ctx, job.ID, freelancerParty, "notes")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotParty, out.Reason)

	out, err = h.e.RequestRevision(ctx, job.ID, clientParty, "   ")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)

	funded := h.fundedJob(t, 500, 2)
	out, err = h.e.RequestRevision(ctx, funded.ID, clientParty, "notes")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)
}

func TestSubmitWorkSimulationRevert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.fundedJob(t, 500, 2)
	h.contract.simulateErr["submitWork"] = h.contractRevert("SubmissionDeadlinePassed()")

	out, err := h.e.SubmitWork(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v0"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownContractError, out.Reason)
	assert.Equal(t, "SubmissionDeadlinePassed()", out.Details["raw_revert"])
	assert.Equal(t, 0, h.contract.countSent("submitWork"))

	stored, err := h.e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobInProgress, stored.Status)
}

func TestSubmitWorkRevertedOnChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.fundedJob(t, 500, 2)
	h.contract.revertSend["submitWork"] = true

	out, err := h.e.SubmitWork(ctx, job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://v0"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownContractError, out.Reason)
	assert.NotEmpty(t, out.Details["tx_ref"])

	stored, err := h.e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobInProgress, stored.Status)
	assert.Nil(t, stored.PendingTxRef)
}
