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
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	opRaiseDispute   = "raise_dispute"
	opResolveDispute = "resolve_dispute"
)

// RaiseDispute opens the adversarial branch. The raiser posts an arbitration deposit of
// arbitration_deposit_bps of the amount, which the contract escrows.
func (e *Escrow) RaiseDispute(ctx context.Context, jobID uuid.UUID, partyID string, evidence json.RawMessage) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "RaiseDispute")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opRaiseDispute, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if !job.IsParty(partyID) {
		return model.Rejected(model.ReasonNotParty, "only a party to the job can raise a dispute"), nil
	}
	if !job.Status.Disputable() {
		return model.Rejected(model.ReasonInvalidState, "job is %s, disputes can be raised only from in_progress, under_review or revision_requested", job.Status), nil
	}
	if len(evidence) > 0 && !json.Valid(evidence) {
		return model.Rejected(model.ReasonInvalidState, "evidence bundle must be valid JSON"), nil
	}
	pending, err := e.datasource.GetPendingDispute(ctx, job.ID)
	if err != nil {
		return model.Outcome{}, err
	}
	if pending != nil {
		return model.Rejected(model.ReasonDisputePending, "dispute %s is already pending", pending.ID), nil
	}

	signer, err := e.signerFor(ctx, partyID)
	if err != nil {
		return model.Outcome{}, err
	}
	deposit := model.BpsOf(job.Amount, e.conf.Escrow.ArbitrationDepositBps)
	if deposit.Sign() > 0 {
		if stop, err := e.fundDeposit(ctx, job, signer, deposit); stop != nil || err != nil {
			if stop != nil {
				return *stop, nil
			}
			return model.Outcome{}, err
		}
	}

	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	out, err = e.execute(ctx, action{
		op:      opRaiseDispute,
		job:     job,
		signer:  signer,
		call:    chain.RaiseDisputeCall(chainID),
		timeout: e.conf.Escrow.ActionTimeout,
		transition: func(txRef string, _ *chain.JobView) model.JobTransition {
			return model.JobTransition{
				To: model.JobDisputed,
				OpenDispute: &model.Dispute{
					JobID:          job.ID,
					RaisedBy:       partyID,
					DepositAmount:  deposit,
					EvidenceBundle: evidence,
					RaiseTxRef:     txRef,
				},
			}
		},
	})
	if errors.Is(err, database.ErrDisputeExists) {
		return model.Rejected(model.ReasonDisputePending, "a dispute is already pending for job %s", job.ID), nil
	}
	return out, err
}

// fundDeposit makes sure the raiser holds and has approved the arbitration deposit.
func (e *Escrow) fundDeposit(ctx context.Context, job *model.Job, signer chain.Signer, deposit *big.Int) (*model.Outcome, error) {
	token := common.HexToAddress(job.Token)
	balance, err := e.gateway.BalanceOf(ctx, token, signer.Address())
	if err != nil {
		return nil, err
	}
	if balance.Cmp(deposit) < 0 {
		shortfall := new(big.Int).Sub(deposit, balance)
		decimals := e.tokenDecimals(ctx, token)
		out := model.Rejected(model.ReasonInsufficientFunds, "arbitration deposit of %s needs %s more",
			formatAmount(deposit, decimals), formatAmount(shortfall, decimals)).WithDetail("shortfall", shortfall.String())
		return &out, nil
	}
	allowance, err := e.gateway.Allowance(ctx, token, signer.Address(), e.gateway.EscrowAddress())
	if err != nil {
		return nil, err
	}
	return e.ensureAllowance(ctx, job, signer, token, deposit, allowance)
}

// validateResolution enforces a non-negative split that accounts for the whole amount in
// whole percent, since the contract takes the client's share as a percentage. Deposits
// and stake are governed by the penalty flags, not by the split.
func validateResolution(job *model.Job, res model.Resolution) (uint8, *model.Outcome) {
	reject := func(format string, args ...interface{}) (uint8, *model.Outcome) {
		out := model.Rejected(model.ReasonInvalidSplit, format, args...)
		return 0, &out
	}
	if res.ClientAmount == nil || res.FreelancerAmount == nil {
		return reject("client_amount and freelancer_amount are required")
	}
	if res.ClientAmount.Sign() < 0 || res.FreelancerAmount.Sign() < 0 {
		return reject("split amounts must not be negative")
	}
	total := new(big.Int).Add(res.ClientAmount, res.FreelancerAmount)
	if total.Cmp(job.Amount) != 0 {
		return reject("split totals %s but the escrowed amount is %s", total, job.Amount)
	}
	scaled := new(big.Int).Mul(res.ClientAmount, big.NewInt(100))
	pct, rem := new(big.Int).QuoRem(scaled, job.Amount, new(big.Int))
	if rem.Sign() != 0 {
		return reject("client share %s of %s is not a whole percentage", res.ClientAmount, job.Amount)
	}
	return uint8(pct.Uint64()), nil
}

// ResolveDispute applies the arbitrator's out-of-band decision. Validation happens
// before any chain call; a job with no pending dispute is rejected.
func (e *Escrow) ResolveDispute(ctx context.Context, jobID uuid.UUID, arbitratorID string, res model.Resolution) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "ResolveDispute")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opResolveDispute, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if job.IsParty(arbitratorID) || strings.TrimSpace(arbitratorID) == "" {
		return model.Rejected(model.ReasonNotParty, "a dispute must be resolved by an independent arbitrator"), nil
	}
	pending, err := e.datasource.GetPendingDispute(ctx, job.ID)
	if err != nil {
		return model.Outcome{}, err
	}
	if pending == nil || job.Status != model.JobDisputed {
		return model.Rejected(model.ReasonNoPendingDispute, "job %s has no pending dispute", job.ID), nil
	}
	clientPct, rejected := validateResolution(job, res)
	if rejected != nil {
		return *rejected, nil
	}

	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	signer, err := e.signerFor(ctx, PartyArbitrator)
	if err != nil {
		return model.Outcome{}, err
	}
	payout := model.SplitPayout(res.FreelancerAmount, job.PlatformFeeBps)
	return e.execute(ctx, action{
		op:      opResolveDispute,
		job:     job,
		signer:  signer,
		call:    chain.ResolveDisputeCall(chainID, clientPct, res.PenalizeClient, res.SlashFreelancerStake, res.Notes),
		timeout: e.conf.Escrow.DisputeTimeout,
		transition: func(txRef string, _ *chain.JobView) model.JobTransition {
			closed := *pending
			closed.ResolutionNotes = res.Notes
			closed.ClientAmount = res.ClientAmount
			closed.FreelancerAmount = res.FreelancerAmount
			closed.PenalizeClient = res.PenalizeClient
			closed.SlashFreelancerStake = res.SlashFreelancerStake
			closed.ResolvedBy = arbitratorID
			closed.ResolveTxRef = txRef
			return model.JobTransition{To: model.JobCompleted, Payout: &payout, CloseDispute: &closed}
		},
		settled: func(v *chain.JobView) bool { return v != nil && v.Status == chain.ChainResolved },
	})
}
