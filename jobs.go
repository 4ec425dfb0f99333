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
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	opCancelJob    = "cancel_job"
	opReclaimFunds = "reclaim_funds"

	maxAllowedRevisions = 255
)

var errNotAddress = errors.New("must be a valid non-zero account address")

func addressRule(value interface{}) error {
	s, _ := value.(string)
	if !chain.ValidAddress(s) {
		return errNotAddress
	}
	return nil
}

func positiveAmount(value interface{}) error {
	v, _ := value.(*big.Int)
	if v == nil || v.Sign() <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

// validateNewJob checks the commercial terms of an accepted proposal. The counterparty
// address is validated again at funding time, where a bad one is a rejection.
func validateNewJob(job *model.Job) error {
	return validation.ValidateStruct(job,
		validation.Field(&job.ClientID, validation.Required),
		validation.Field(&job.CounterpartyID, validation.Required, validation.NotIn(job.ClientID).Error("must differ from the client")),
		validation.Field(&job.ClientAddress, validation.Required, validation.By(addressRule)),
		validation.Field(&job.Token, validation.Required, validation.By(addressRule)),
		validation.Field(&job.Amount, validation.By(positiveAmount)),
		validation.Field(&job.PlatformFeeBps, validation.Max(uint32(10_000))),
		validation.Field(&job.AllowedRevisions, validation.Min(1), validation.Max(maxAllowedRevisions)),
	)
}

// CreateJob records an accepted proposal as awaiting_funding. The chain id is derived from
// the ledger id; a zero fee uses the configured platform fee.
func (e *Escrow) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "CreateJob")
	defer span.End()

	if job.PlatformFeeBps == 0 {
		job.PlatformFeeBps = e.conf.Escrow.PlatformFeeBps
	}
	job.ClientAddress = strings.TrimSpace(job.ClientAddress)
	job.CounterpartyAddress = strings.TrimSpace(job.CounterpartyAddress)
	job.Token = strings.TrimSpace(job.Token)
	if err := validateNewJob(job); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid job terms", err)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.ChainJobID = e.mapper.ToChainID(job.ID).String()
	job.CurrentRevisionNumber = 0

	created, err := e.datasource.CreateJob(ctx, job)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.publish(ctx, model.StatusChange{
		JobID:          created.ID,
		ClientID:       created.ClientID,
		CounterpartyID: created.CounterpartyID,
		To:             created.Status,
		Source:         model.SourceOrchestrator,
		OccurredAt:     e.now().UTC(),
	})
	logrus.WithFields(jobFields(created, "create_job")).Info("job created")
	return created, nil
}

// CancelJob withdraws an unfunded job. It never touches the chain but refuses while a
// funding transaction is outstanding or the contract already holds the job.
func (e *Escrow) CancelJob(ctx context.Context, jobID uuid.UUID, partyID string) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "CancelJob")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opCancelJob, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if !job.IsParty(partyID) {
		return model.Rejected(model.ReasonNotParty, "only a party to the job can cancel it"), nil
	}
	if job.Status != model.JobAwaitingFunding {
		return model.Rejected(model.ReasonInvalidState, "job is %s, only unfunded jobs can be cancelled", job.Status), nil
	}
	if job.PendingTxRef != nil {
		return model.Rejected(model.ReasonInvalidState, "funding transaction %s is still outstanding", *job.PendingTxRef).
			WithDetail("tx_ref", *job.PendingTxRef), nil
	}
	chainID, err := e.chainID(job)
	if err != nil {
		return model.Outcome{}, err
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil {
		return model.Outcome{}, err
	}
	if view.Exists && chain.VerifyTerms(view, job) == nil {
		e.enqueueReconcile(job, 0)
		return model.Rejected(model.ReasonAlreadyFunded, "job %s is already funded on chain", job.ChainJobID), nil
	}

	updated, err := e.transition(ctx, job, model.JobTransition{
		From:   model.JobAwaitingFunding,
		To:     model.JobCancelled,
		Source: model.SourceOrchestrator,
	})
	if errors.Is(err, database.ErrStatusConflict) {
		return model.Rejected(model.ReasonInvalidState, "job %s changed state while cancelling", job.ID), nil
	}
	if err != nil {
		return model.Outcome{}, err
	}
	return model.Success("", updated), nil
}

// ReclaimFunds returns the escrowed amount to the client when the counterparty missed the
// submission deadline without delivering.
func (e *Escrow) ReclaimFunds(ctx context.Context, jobID uuid.UUID, partyID string) (out model.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "ReclaimFunds")
	defer span.End()
	started := time.Now()
	defer func() { e.observe(opReclaimFunds, started, out, err) }()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return model.Outcome{}, err
	}
	if partyID != job.ClientID {
		return model.Rejected(model.ReasonNotParty, "only the client can reclaim funds"), nil
	}
	if job.Status != model.JobInProgress {
		return model.Rejected(model.ReasonInvalidState, "job is %s, funds can only be reclaimed from in_progress", job.Status), nil
	}
	if job.SubmissionDeadline == nil || e.now().Before(*job.SubmissionDeadline) {
		return model.Rejected(model.ReasonDeadlineNotReached, "submission deadline has not passed"), nil
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
		op:      opReclaimFunds,
		job:     job,
		signer:  signer,
		call:    chain.ReclaimFundsCall(chainID),
		timeout: e.conf.Escrow.ReleaseTimeout,
		transition: func(string, *chain.JobView) model.JobTransition {
			return model.JobTransition{To: model.JobRefunded}
		},
		settled: func(v *chain.JobView) bool { return v != nil && v.Status == chain.ChainRefunded },
	})
}
