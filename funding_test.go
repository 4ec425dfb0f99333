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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redlock "github.com/blnkfinance/escrow/internal/lock"
	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchingView(h *harness, job *model.Job) *chain.JobView {
	return &chain.JobView{
		Exists:           true,
		Client:           h.client.Address(),
		Freelancer:       h.freelancer.Address(),
		Token:            h.token,
		Amount:           new(big.Int).Set(job.Amount),
		Status:           chain.ChainFunded,
		AllowedRevisions: uint8(job.AllowedRevisions),
	}
}

func TestFundJob(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)

	assert.Equal(t, model.JobInProgress, out.Job.Status)
	assert.NotEmpty(t, out.TxRef)
	require.NotNil(t, out.Job.OnChainTxRef)
	assert.Equal(t, out.TxRef, *out.Job.OnChainTxRef)
	assert.Nil(t, out.Job.PendingTxRef)
	assert.NotNil(t, out.Job.SubmissionDeadline)
	assert.Equal(t, []string{"fundJob"}, h.contract.sentMethods())
	assert.Equal(t, []model.JobStatus{model.JobAwaitingFunding, model.JobInProgress}, h.store.statusSequence(job.ID))
}

func TestFundJobApprovesAllowanceFirst(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 1)
	h.contract.setAllowance(h.token, h.client.Address(), 0)

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, []string{"approve", "fundJob"}, h.contract.sentMethods())
}

func TestFundJobRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, h *harness) *model.Job
		party  string
		reason model.RejectReason
	}{
		{
			name: "insufficient balance",
			setup: func(t *testing.T, h *harness) *model.Job {
				job := h.newJob(t, 500, 1)
				h.contract.setBalance(h.token, h.client.Address(), 100)
				return job
			},
			party:  clientParty,
			reason: model.ReasonInsufficientFunds,
		},
		{
			name: "invalid counterparty",
			setup: func(t *testing.T, h *harness) *model.Job {
				return h.newJobWith(t, 500, 1, func(j *model.Job) { j.CounterpartyAddress = "not-an-address" })
			},
			party:  clientParty,
			reason: model.ReasonInvalidCounterparty,
		},
		{
			name: "caller is not the client",
			setup: func(t *testing.T, h *harness) *model.Job {
				return h.newJob(t, 500, 1)
			},
			party:  freelancerParty,
			reason: model.ReasonNotParty,
		},
		{
			name: "stake not ready",
			setup: func(t *testing.T, h *harness) *model.Job {
				return h.newJobWith(t, 500, 1, func(j *model.Job) {
					j.FreelancerStakeRequired = true
					j.StakeAmount = big.NewInt(50)
				})
			},
			party:  clientParty,
			reason: model.ReasonStakeNotReady,
		},
		{
			name: "already in progress",
			setup: func(t *testing.T, h *harness) *model.Job {
				return h.fundedJob(t, 500, 1)
			},
			party:  clientParty,
			reason: model.ReasonInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			job := tt.setup(t, h)
			sentBefore := len(h.contract.sentMethods())

			out, err := h.e.FundJob(context.Background(), job.ID, tt.party)
			require.NoError(t, err)
			assert.True(t, out.IsRejected())
			assert.Equal(t, tt.reason, out.Reason, out.Message)
			assert.Len(t, h.contract.sentMethods(), sentBefore)
		})
	}
}

func TestFundJobShortfallIsReported(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 1)
	h.contract.setBalance(h.token, h.client.Address(), 100)

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInsufficientFunds, out.Reason)
	assert.Equal(t, "400", out.Details["shortfall"])
	assert.Contains(t, out.Message, "0.0004")
}

func TestFundJobAlreadyFundedLeavesLedgerAlone(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	h.contract.setView(job.ChainJobID, matchingView(h, job))
	before := h.store.mutationCount()

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAlreadyFunded, out.Reason)
	assert.Equal(t, before, h.store.mutationCount())
	assert.Empty(t, h.contract.sentMethods())
	assert.Contains(t, h.scheduler.reconciles, job.ID)

	stored, err := h.e.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobAwaitingFunding, stored.Status)
}

func TestFundJobAlreadyFundedAfterTokensMoved(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
	}{
		{name: "balance drained into escrow", balance: 0},
		{name: "balance restored, allowance spent", balance: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			job := h.newJob(t, 500, 2)
			h.contract.setView(job.ChainJobID, matchingView(h, job))
			h.contract.setBalance(h.token, h.client.Address(), tt.balance)
			h.contract.setAllowance(h.token, h.client.Address(), 0)

			out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
			require.NoError(t, err)
			assert.True(t, out.IsRejected())
			assert.Equal(t, model.ReasonAlreadyFunded, out.Reason, out.Message)
			assert.Empty(t, h.contract.sentMethods())
			assert.Contains(t, h.scheduler.reconciles, job.ID)
		})
	}
}

func TestFundJobIdentifierCollision(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	view := matchingView(h, job)
	view.Client = common.HexToAddress("0x1111111111111111111111111111111111111111")
	h.contract.setView(job.ChainJobID, view)

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonIdentifierCollision, out.Reason)
	assert.Equal(t, job.ChainJobID, out.Details["chain_job_id"])
	assert.Empty(t, h.contract.sentMethods())
}

func TestFundJobConfirmationTimeoutIsPending(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	h.contract.hold = true

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsPending(), out.Message)
	assert.NotEmpty(t, out.TxRef)
	assert.Contains(t, h.scheduler.reconciles, job.ID)

	stored, err := h.e.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobAwaitingFunding, stored.Status)
	require.NotNil(t, stored.PendingTxRef)
	assert.Equal(t, out.TxRef, *stored.PendingTxRef)
}

func TestFundJobResumesPendingTransaction(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	h.contract.hold = true

	first, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, first.IsPending())

	// Still unmined: the retry reports the same transaction.
	again, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.True(t, again.IsPending())
	assert.Equal(t, first.TxRef, again.TxRef)

	h.contract.mine(common.HexToHash(first.TxRef))
	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.Equal(t, model.JobInProgress, out.Job.Status)
	assert.Equal(t, first.TxRef, out.TxRef)
	assert.Equal(t, 1, h.contract.countSent("fundJob"))
}

func TestFundJobRecoversThroughReconciliation(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	h.contract.hold = true

	pending, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, pending.IsPending())

	// The process dies here; the transaction confirms while nobody is watching.
	h.contract.mine(common.HexToHash(pending.TxRef))

	res, err := h.e.ReconcileJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileCorrected, res.Result)
	assert.Equal(t, model.JobInProgress, res.Job.Status)
	require.NotNil(t, res.Job.OnChainTxRef)
	assert.Equal(t, pending.TxRef, *res.Job.OnChainTxRef)
	assert.Nil(t, res.Job.PendingTxRef)

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)
	assert.Equal(t, 1, h.contract.countSent("fundJob"))
}

func TestFundJobRetriesAfterRevertedPendingTransaction(t *testing.T) {
	h := newHarness(t)
	job := h.newJob(t, 500, 2)
	h.contract.hold = true

	pending, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, pending.IsPending())

	h.contract.revertSend["fundJob"] = true
	h.contract.mine(common.HexToHash(pending.TxRef))
	h.contract.revertSend["fundJob"] = false
	h.contract.hold = false

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), out.Message)
	assert.NotEqual(t, pending.TxRef, out.TxRef)
	assert.Equal(t, 2, h.contract.countSent("fundJob"))
}

func TestFundJobRejectsConcurrentAttempt(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := newHarness(t, WithRedis(client))
	job := h.newJob(t, 500, 2)

	other := redlock.ForJob(client, "fund", job.ID)
	require.NoError(t, other.Lock(context.Background(), time.Minute))

	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidState, out.Reason)
	assert.Empty(t, h.contract.sentMethods())

	require.NoError(t, other.Unlock(context.Background()))
	out, err = h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	assert.True(t, out.IsSuccess(), out.Message)
}
