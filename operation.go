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
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// action is one contract write followed by a guarded ledger transition.
type action struct {
	op      string
	job     *model.Job
	signer  chain.Signer
	call    chain.Call
	timeout time.Duration
	// transition builds the ledger change once the call is confirmed. view is the
	// post-confirmation contract state and may be nil if it could not be read.
	transition func(txRef string, view *chain.JobView) model.JobTransition
	// settled reports whether the contract already reflects this action, which turns
	// a revert into an idempotent success.
	settled func(view *chain.JobView) bool
}

// execute runs simulate, submit, wait and compare-and-set. A confirmation timeout
// yields PendingConfirmation with the submitted hash and the ledger untouched
// apart from pending_tx_ref.
func (e *Escrow) execute(ctx context.Context, a action) (model.Outcome, error) {
	log := logrus.WithFields(jobFields(a.job, a.op))

	if err := e.gateway.Simulate(ctx, a.signer, a.call); err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			if out, ok := e.settledOutcome(ctx, a); ok {
				return out, nil
			}
			log.WithField("revert", revert.Raw).Info("preflight simulation reverted")
			return model.Rejected(revert.Reason, "%s would revert: %s", a.call, revert.Raw).
				WithDetail("raw_revert", revert.Raw), nil
		}
		return model.Outcome{}, err
	}

	hash, err := chain.Transact(ctx, e.gateway, a.signer, a.call, a.timeout, func(h common.Hash) error {
		ref := h.Hex()
		if err := e.datasource.SetPendingTx(ctx, a.job.ID, a.job.Status, &ref); err != nil {
			log.WithError(err).WithField("tx_ref", ref).Warn("could not record pending transaction")
		}
		return nil
	})
	if err != nil {
		return e.submissionOutcome(ctx, a, hash, err)
	}
	return e.applyConfirmed(ctx, a, hash.Hex())
}

func (e *Escrow) submissionOutcome(ctx context.Context, a action, hash common.Hash, err error) (model.Outcome, error) {
	log := logrus.WithFields(jobFields(a.job, a.op))
	if hash == (common.Hash{}) {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			return model.Rejected(revert.Reason, "%s would revert: %s", a.call, revert.Raw).
				WithDetail("raw_revert", revert.Raw), nil
		}
		log.WithError(err).Error("transaction submission failed")
		return model.Outcome{}, err
	}

	ref := hash.Hex()
	switch {
	case errors.Is(err, chain.ErrTxReverted):
		e.clearPending(ctx, a.job, ref)
		if out, ok := e.settledOutcome(ctx, a); ok {
			return out, nil
		}
		log.WithField("tx_ref", ref).Warn("transaction reverted on chain")
		return model.Rejected(model.ReasonUnknownContractError, "%s reverted in transaction %s", a.call, ref).
			WithDetail("tx_ref", ref), nil
	case errors.Is(err, chain.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.WithField("tx_ref", ref).Info("confirmation outstanding")
		e.enqueueReconcile(a.job, a.timeout)
		return model.Pending(ref, a.job), nil
	}
	return model.Outcome{}, err
}

// applyConfirmed moves the ledger after the contract confirmed the call. A lost
// compare-and-set means another writer already applied the same change.
func (e *Escrow) applyConfirmed(ctx context.Context, a action, ref string) (model.Outcome, error) {
	chainID, err := e.chainID(a.job)
	if err != nil {
		return model.Outcome{}, err
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil {
		logrus.WithFields(jobFields(a.job, a.op)).WithError(err).Warn("could not read job after confirmation")
		view = nil
	}

	t := a.transition(ref, view)
	t.From = a.job.Status
	t.TxRef = &ref
	t.ClearPending = true
	if t.Source == "" {
		t.Source = model.SourceOrchestrator
	}
	updated, err := e.transition(ctx, a.job, t)
	if errors.Is(err, database.ErrStatusConflict) {
		current, getErr := e.datasource.GetJob(ctx, a.job.ID)
		if getErr != nil {
			return model.Outcome{}, getErr
		}
		logrus.WithFields(jobFields(current, a.op)).WithField("tx_ref", ref).
			Info("ledger already moved by another writer")
		return model.Success(ref, current), nil
	}
	if err != nil {
		return model.Outcome{}, err
	}
	out := model.Success(ref, updated)
	out.Payout = t.Payout
	return out, nil
}

// settledOutcome reports success when the contract already shows the action's result.
func (e *Escrow) settledOutcome(ctx context.Context, a action) (model.Outcome, bool) {
	if a.settled == nil {
		return model.Outcome{}, false
	}
	chainID, err := e.chainID(a.job)
	if err != nil {
		return model.Outcome{}, false
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil || !a.settled(view) || chain.VerifyTerms(view, a.job) != nil {
		return model.Outcome{}, false
	}
	job := a.job
	if res, err := e.reconcileJob(ctx, a.job, ""); err == nil && res.Job != nil {
		job = res.Job
	}
	ref := ""
	if job.OnChainTxRef != nil {
		ref = *job.OnChainTxRef
	}
	return model.Success(ref, job), true
}

// transition applies t and fans out the status change.
func (e *Escrow) transition(ctx context.Context, job *model.Job, t model.JobTransition) (*model.Job, error) {
	updated, err := e.datasource.TransitionJob(ctx, job.ID, t)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveTransition(string(t.From), string(t.To), t.Source)
	ref := ""
	if t.TxRef != nil {
		ref = *t.TxRef
	}
	e.publish(ctx, model.StatusChange{
		JobID:          updated.ID,
		ClientID:       updated.ClientID,
		CounterpartyID: updated.CounterpartyID,
		From:           t.From,
		To:             t.To,
		TxRef:          ref,
		Source:         t.Source,
		OccurredAt:     e.now().UTC(),
	})
	return updated, nil
}

func (e *Escrow) clearPending(ctx context.Context, job *model.Job, ref string) {
	if err := e.datasource.SetPendingTx(ctx, job.ID, job.Status, nil); err != nil {
		logrus.WithFields(jobFields(job, "clear_pending")).WithError(err).WithField("tx_ref", ref).
			Warn("could not clear pending transaction")
	}
}

// ensureAllowance approves spender for amount when the current allowance falls short.
// It returns a non-nil outcome when the caller must stop.
func (e *Escrow) ensureAllowance(ctx context.Context, job *model.Job, signer chain.Signer, token common.Address, amount, allowance *big.Int) (*model.Outcome, error) {
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	log := logrus.WithFields(jobFields(job, "approve_token"))
	call := chain.ApproveTokenCall(token, e.gateway.EscrowAddress(), amount)
	hash, err := chain.Transact(ctx, e.gateway, signer, call, e.conf.Escrow.ApproveTimeout, nil)
	if err == nil {
		log.WithField("tx_ref", hash.Hex()).Info("token allowance approved")
		return nil, nil
	}
	if hash == (common.Hash{}) {
		return nil, err
	}
	ref := hash.Hex()
	switch {
	case errors.Is(err, chain.ErrTxReverted):
		out := model.Rejected(model.ReasonAllowanceInsufficient, "token approval %s reverted; allowance remains %s", ref, allowance).
			WithDetail("tx_ref", ref)
		return &out, nil
	case errors.Is(err, chain.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		out := model.Pending(ref, job)
		out.Message = "token approval " + ref + " submitted; retry once it confirms"
		return &out, nil
	}
	return nil, err
}
