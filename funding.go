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
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/internal/notification"
	redlock "github.com/blnkfinance/escrow/internal/lock"
	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const opFundJob = "fund_job"

// FundJob locks the job's amount into escrow and moves it to in_progress. partyID must
// be the client. Every step can be retried; an unconfirmed funding transaction left by
// an earlier attempt is resumed, never resubmitted.
func (e *Escrow) FundJob(ctx context.Context, jobID uuid.UUID, partyID string) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "FundJob")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opFundJob, started, out, err) }()

	if e.redis != nil {
		locker := redlock.ForJob(e.redis, "fund", jobID)
		if err := locker.Lock(ctx, e.conf.Escrow.FundingLockTTL); err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				return model.Rejected(model.ReasonInvalidState, "funding for job %s is already in progress", jobID), nil
			}
			return model.Outcome{}, err
		}
		defer func() {
			if err := locker.Unlock(context.Background()); err != nil {
				logrus.WithError(err).WithField("job_id", jobID.String()).Warn("release funding lock")
			}
		}()
	}

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return model.Outcome{}, err
	}
	if job.Status != model.JobAwaitingFunding {
		return model.Rejected(model.ReasonInvalidState, "job is %s, only awaiting_funding jobs can be funded", job.Status), nil
	}
	if partyID != job.ClientID {
		return model.Rejected(model.ReasonNotParty, "only the client can fund the job"), nil
	}

	if job.PendingTxRef != nil {
		out, done, err := e.resumeFunding(ctx, job)
		if err != nil || done {
			return out, err
		}
	}

	signer, err := e.signerFor(ctx, partyID)
	if err != nil {
		return model.Outcome{}, err
	}
	return e.fund(ctx, job, signer)
}

func (e *Escrow) fund(ctx context.Context, job *model.Job, signer chain.Signer) (model.Outcome, error) {
	log := logrus.WithFields(jobFields(job, opFundJob))

	// 1. counterparty address
	if !chain.ValidAddress(job.CounterpartyAddress) {
		return model.Rejected(model.ReasonInvalidCounterparty, "counterparty address %q is not a valid account", job.CounterpartyAddress), nil
	}
	if !strings.EqualFold(signer.Address().Hex(), common.HexToAddress(job.ClientAddress).Hex()) {
		return model.Rejected(model.ReasonNotParty, "signer %s is not the job's client address %s", signer.Address().Hex(), job.ClientAddress), nil
	}
	token := common.HexToAddress(job.Token)
	client := signer.Address()
	escrowAddr := e.gateway.EscrowAddress()

	// 2. existing chain job
	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil {
		return model.Outcome{}, err
	}
	if view.Exists {
		if collision := chain.VerifyTerms(view, job); collision != nil {
			notification.NotifyError(collision)
			return model.Rejected(model.ReasonIdentifierCollision, "%s", collision.Error()).
				WithDetail("chain_job_id", job.ChainJobID), nil
		}
		log.Info("job already funded on chain; leaving ledger to reconciliation")
		e.enqueueReconcile(job, 0)
		return model.Rejected(model.ReasonAlreadyFunded, "job %s is already funded on chain", job.ChainJobID), nil
	}

	// 3. client balance
	balance, err := e.gateway.BalanceOf(ctx, token, client)
	if err != nil {
		return model.Outcome{}, err
	}
	if balance.Cmp(job.Amount) < 0 {
		shortfall := new(big.Int).Sub(job.Amount, balance)
		decimals := e.tokenDecimals(ctx, token)
		return model.Rejected(model.ReasonInsufficientFunds, "balance %s is %s short of the %s required",
			formatAmount(balance, decimals), formatAmount(shortfall, decimals), formatAmount(job.Amount, decimals)).
			WithDetail("shortfall", shortfall.String()), nil
	}

	// 4. allowance, approving once if needed
	allowance, err := e.gateway.Allowance(ctx, token, client, escrowAddr)
	if err != nil {
		return model.Outcome{}, err
	}
	if stop, err := e.ensureAllowance(ctx, job, signer, token, job.Amount, allowance); stop != nil || err != nil {
		if stop != nil {
			return *stop, nil
		}
		return model.Outcome{}, err
	}

	// 5. stake courtesy check
	if job.FreelancerStakeRequired {
		if out, ok, err := e.checkStake(ctx, job, token, escrowAddr); !ok || err != nil {
			return out, err
		}
	}

	call := chain.FundJobCall(chainID, common.HexToAddress(job.CounterpartyAddress), token, job.Amount,
		job.FreelancerStakeRequired, uint8(job.AllowedRevisions))

	// 6. submit and confirm
	return e.execute(ctx, action{
		op:         opFundJob,
		job:        job,
		signer:     signer,
		call:       call,
		timeout:    e.conf.Escrow.FundingTimeout,
		transition: fundedTransition,
	})
}

func fundedTransition(_ string, view *chain.JobView) model.JobTransition {
	t := model.JobTransition{To: model.JobInProgress}
	if view != nil {
		t.Deadlines = view.Deadlines()
	}
	return t
}

func (e *Escrow) checkStake(ctx context.Context, job *model.Job, token, escrowAddr common.Address) (model.Outcome, bool, error) {
	stake := job.StakeAmount
	if stake == nil || stake.Sign() == 0 {
		stake = model.BpsOf(job.Amount, e.conf.Escrow.StakeBps)
	}
	if stake.Sign() == 0 {
		return model.Outcome{}, true, nil
	}
	freelancer := common.HexToAddress(job.CounterpartyAddress)
	balance, err := e.gateway.BalanceOf(ctx, token, freelancer)
	if err != nil {
		return model.Outcome{}, false, err
	}
	decimals := e.tokenDecimals(ctx, token)
	if balance.Cmp(stake) < 0 {
		return model.Rejected(model.ReasonStakeNotReady, "counterparty balance %s does not cover the %s stake",
			formatAmount(balance, decimals), formatAmount(stake, decimals)).WithDetail("stake", stake.String()), false, nil
	}
	allowance, err := e.gateway.Allowance(ctx, token, freelancer, escrowAddr)
	if err != nil {
		return model.Outcome{}, false, err
	}
	if allowance.Cmp(stake) < 0 {
		return model.Rejected(model.ReasonStakeNotReady, "counterparty has approved %s of the %s stake",
			formatAmount(allowance, decimals), formatAmount(stake, decimals)).WithDetail("stake", stake.String()), false, nil
	}
	return model.Outcome{}, true, nil
}

// resumeFunding settles a funding transaction submitted by an earlier attempt. done is
// false when the caller should run the protocol again from step 1.
func (e *Escrow) resumeFunding(ctx context.Context, job *model.Job) (model.Outcome, bool, error) {
	ref := *job.PendingTxRef
	hash := common.HexToHash(ref)
	log := logrus.WithFields(jobFields(job, opFundJob)).WithField("tx_ref", ref)

	receipt, err := e.gateway.WaitConfirmed(ctx, hash, e.conf.Escrow.FundingTimeout)
	switch {
	case err == nil && receipt != nil && receipt.Success:
		log.Info("resuming confirmed funding transaction")
		out, err := e.applyConfirmed(ctx, action{op: opFundJob, job: job, transition: fundedTransition}, ref)
		return out, true, err
	case errors.Is(err, chain.ErrTxReverted):
		log.Info("earlier funding transaction reverted; starting over")
		e.clearPending(ctx, job, ref)
		job.PendingTxRef = nil
		return model.Outcome{}, false, nil
	case errors.Is(err, chain.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.Pending(ref, job), true, nil
	case err != nil:
		return model.Outcome{}, true, err
	}
	return model.Pending(ref, job), true, nil
}
