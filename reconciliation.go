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
	"fmt"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/notification"
	"github.com/blnkfinance/escrow/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type ReconcileOutcome string

const (
	ReconcileInSync    ReconcileOutcome = "in_sync"
	ReconcileCorrected ReconcileOutcome = "corrected"
	ReconcilePending   ReconcileOutcome = "pending"
	ReconcileCollision ReconcileOutcome = "collision"
	ReconcileSkipped   ReconcileOutcome = "skipped"
)

// ReconcileResult is what one reconciliation pass did to a job.
type ReconcileResult struct {
	Result ReconcileOutcome  `json:"result"`
	Ledger model.JobStatus   `json:"ledger_status"`
	Chain  chain.ChainStatus `json:"-"`
	Job    *model.Job        `json:"job,omitempty"`
}

// ReconcileSummary aggregates a full sweep.
type ReconcileSummary struct {
	Examined  int `json:"examined"`
	Corrected int `json:"corrected"`
	Pending   int `json:"pending"`
	Collision int `json:"collision"`
	Failed    int `json:"failed"`
}

// ReconcileJob compares one job with the contract and corrects the ledger to match.
// The contract is authoritative; the ledger is never pushed onto the chain.
func (e *Escrow) ReconcileJob(ctx context.Context, jobID uuid.UUID) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "ReconcileJob")
	defer span.End()

	job, err := e.datasource.GetJob(ctx, jobID)
	if err != nil {
		return ReconcileResult{}, err
	}
	return e.reconcileJob(ctx, job, "")
}

// reconcileJob uses hint as the transaction reference when the change was observed
// through an event rather than through our own pending transaction.
func (e *Escrow) reconcileJob(ctx context.Context, job *model.Job, hint string) (ReconcileResult, error) {
	res := ReconcileResult{Result: ReconcileSkipped, Ledger: job.Status, Job: job}
	if job.Status.IsTerminal() {
		return res, nil
	}
	log := logrus.WithFields(jobFields(job, "reconcile"))

	chainID, err := e.chainID(job)
	if err != nil {
		return res, err
	}
	view, err := e.gateway.GetJob(ctx, chainID)
	if err != nil {
		return res, err
	}
	res.Chain = view.Status

	if !view.Exists {
		return e.reconcileMissing(ctx, job, res)
	}
	if collision := chain.VerifyTerms(view, job); collision != nil {
		notification.NotifyError(collision)
		e.metrics.ObserveReconcile(string(ReconcileCollision))
		res.Result = ReconcileCollision
		return res, nil
	}

	target, ok := view.Status.LedgerStatus()
	if !ok {
		return res, nil
	}
	if target == job.Status {
		return e.settlePending(ctx, job, res)
	}

	txRef := e.confirmedRef(ctx, job, hint)
	t := model.JobTransition{
		From:         job.Status,
		To:           target,
		ClearPending: true,
		Deadlines:    view.Deadlines(),
		Source:       model.SourceReconciler,
	}
	if txRef != "" {
		t.TxRef = &txRef
	}
	if rev := int(view.CurrentRevision); rev != job.CurrentRevisionNumber && rev <= job.AllowedRevisions && rev > job.CurrentRevisionNumber {
		t.RevisionNumber = &rev
	}
	if target == model.JobUnderReview && (job.Status == model.JobInProgress || job.Status == model.JobRevisionRequested) {
		revision := job.CurrentRevisionNumber
		if t.RevisionNumber != nil {
			revision = *t.RevisionNumber
		}
		if err := e.attachSubmission(ctx, job, txRef, revision, &t); err != nil {
			return res, err
		}
	}
	if view.Status == chain.ChainCompleted {
		payout := model.SplitPayout(job.Amount, job.PlatformFeeBps)
		t.Payout = &payout
	}
	if err := e.attachDispute(ctx, job, target, txRef, &t); err != nil {
		return res, err
	}

	updated, err := e.transition(ctx, job, t)
	if errors.Is(err, database.ErrStatusConflict) {
		log.Info("job moved while reconciling; leaving it for the next pass")
		res.Result = ReconcileInSync
		return res, nil
	}
	if err != nil {
		return res, err
	}
	log.WithFields(logrus.Fields{"ledger": job.Status, "chain": view.Status.String(), "tx_ref": txRef}).
		Warn("ledger diverged from chain; corrected to chain state")
	e.metrics.ObserveDivergence(string(job.Status), view.Status.String())
	e.metrics.ObserveReconcile(string(ReconcileCorrected))
	if target == model.JobUnderReview {
		e.scheduleAutoRelease(ctx, updated)
	}
	res.Result = ReconcileCorrected
	res.Ledger = updated.Status
	res.Job = updated
	return res, nil
}

// attachSubmission records the revision row for a submission that was confirmed without
// our own transition running, reading the refs back from the submitting transaction.
func (e *Escrow) attachSubmission(ctx context.Context, job *model.Job, txRef string, revision int, t *model.JobTransition) error {
	log := logrus.WithFields(jobFields(job, "reconcile")).WithField("tx_ref", txRef)
	if txRef == "" {
		log.Warn("submission confirmed without a known transaction; revision row not recorded")
		return nil
	}
	sent, err := e.gateway.LookupCall(ctx, common.HexToHash(txRef))
	if err != nil {
		return err
	}
	var deliverableRef, vcsRef string
	ok := false
	if sent != nil {
		deliverableRef, vcsRef, ok = sent.Call.Submission()
	}
	if !ok {
		log.Warn("transaction carries no submission; revision row not recorded")
		return nil
	}
	submittedBy := sent.From.Hex()
	if sent.From == common.HexToAddress(job.CounterpartyAddress) {
		submittedBy = job.CounterpartyID
	}
	sub := Submission{DeliverableRef: deliverableRef, VCSRef: vcsRef}
	t.Revision = &model.Revision{
		JobID:          job.ID,
		RevisionNumber: revision,
		DeliverableRef: sub.DeliverableRef,
		VCSRef:         sub.vcsRef(),
		SubmittedBy:    submittedBy,
		TxRef:          txRef,
	}
	return nil
}

// attachDispute keeps dispute rows in step when the chain entered or left the dispute branch.
func (e *Escrow) attachDispute(ctx context.Context, job *model.Job, target model.JobStatus, txRef string, t *model.JobTransition) error {
	pending, err := e.datasource.GetPendingDispute(ctx, job.ID)
	if err != nil {
		return err
	}
	switch {
	case target == model.JobDisputed && pending == nil:
		t.OpenDispute = &model.Dispute{
			JobID:         job.ID,
			RaisedBy:      model.SourceReconciler,
			DepositAmount: model.BpsOf(job.Amount, e.conf.Escrow.ArbitrationDepositBps),
			RaiseTxRef:    txRef,
		}
	case target != model.JobDisputed && pending != nil:
		closed := *pending
		closed.ResolvedBy = model.SourceReconciler
		closed.ResolveTxRef = txRef
		closed.ResolutionNotes = "resolved on chain outside the orchestrator"
		t.CloseDispute = &closed
	}
	return nil
}

// reconcileMissing handles a job the contract does not know.
func (e *Escrow) reconcileMissing(ctx context.Context, job *model.Job, res ReconcileResult) (ReconcileResult, error) {
	if job.Status == model.JobAwaitingFunding {
		return e.settlePending(ctx, job, res)
	}
	if job.PendingTxRef != nil {
		res.Result = ReconcilePending
		return res, nil
	}
	divergence := fmt.Errorf("job %s is %s in the ledger but chain job %s does not exist", job.ID, job.Status, job.ChainJobID)
	notification.NotifyError(divergence)
	updated, err := e.transition(ctx, job, model.JobTransition{
		From:         job.Status,
		To:           model.JobAwaitingFunding,
		ClearPending: true,
		Source:       model.SourceReconciler,
	})
	if errors.Is(err, database.ErrStatusConflict) {
		res.Result = ReconcileInSync
		return res, nil
	}
	if err != nil {
		return res, err
	}
	e.metrics.ObserveDivergence(string(job.Status), chain.ChainNone.String())
	e.metrics.ObserveReconcile(string(ReconcileCorrected))
	res.Result = ReconcileCorrected
	res.Ledger = updated.Status
	res.Job = updated
	return res, nil
}

// settlePending resolves a recorded in-flight transaction whose effect is not visible on
// chain. A reverted or vanished transaction is cleared so the operation can be retried.
func (e *Escrow) settlePending(ctx context.Context, job *model.Job, res ReconcileResult) (ReconcileResult, error) {
	res.Result = ReconcileInSync
	if job.PendingTxRef == nil {
		e.metrics.ObserveReconcile(string(ReconcileInSync))
		return res, nil
	}
	receipt, err := e.gateway.Receipt(ctx, common.HexToHash(*job.PendingTxRef))
	if err != nil {
		return res, err
	}
	if receipt == nil {
		res.Result = ReconcilePending
		e.metrics.ObserveReconcile(string(ReconcilePending))
		return res, nil
	}
	e.clearPending(ctx, job, *job.PendingTxRef)
	job.PendingTxRef = nil
	e.metrics.ObserveReconcile(string(ReconcileCorrected))
	res.Result = ReconcileCorrected
	return res, nil
}

// confirmedRef prefers the job's own pending transaction when it is confirmed.
func (e *Escrow) confirmedRef(ctx context.Context, job *model.Job, hint string) string {
	if job.PendingTxRef == nil {
		return hint
	}
	receipt, err := e.gateway.Receipt(ctx, common.HexToHash(*job.PendingTxRef))
	if err == nil && receipt != nil && receipt.Success {
		return *job.PendingTxRef
	}
	return hint
}

// ReconcileAll walks every non-terminal job with bounded concurrency.
func (e *Escrow) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	ctx, span := tracer.Start(ctx, "ReconcileAll")
	defer span.End()

	var summary ReconcileSummary
	results := make(chan ReconcileOutcome)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			summary.Examined++
			switch r {
			case ReconcileCorrected:
				summary.Corrected++
			case ReconcilePending:
				summary.Pending++
			case ReconcileCollision:
				summary.Collision++
			case "":
				summary.Failed++
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.conf.Reconciliation.Concurrency)

	var after uuid.UUID
	var walkErr error
	for {
		jobs, err := e.datasource.GetNonTerminalJobs(gctx, after, e.conf.Reconciliation.BatchSize)
		if err != nil {
			walkErr = err
			break
		}
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				res, err := e.reconcileJob(gctx, job, "")
				if err != nil {
					logrus.WithFields(jobFields(job, "reconcile")).WithError(err).Warn("reconcile failed")
					results <- ""
					return nil
				}
				results <- res.Result
				return nil
			})
		}
		if len(jobs) < e.conf.Reconciliation.BatchSize {
			break
		}
		after = jobs[len(jobs)-1].ID
	}
	_ = g.Wait()
	close(results)
	<-done
	return summary, walkErr
}

// HandleEvent reconciles every ledger job mapped to the event's chain id. More than one
// job means an identifier collision, which reconcileJob reports.
func (e *Escrow) HandleEvent(ctx context.Context, ev chain.Event) error {
	if ev.Removed || ev.ChainJobID == nil {
		return nil
	}
	jobs, err := e.datasource.GetJobsByChainID(ctx, ev.ChainJobID.String())
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := e.reconcileJob(ctx, job, ev.TxHash.Hex()); err != nil {
			return err
		}
	}
	return nil
}

// HandleNotification reacts to ledger change notifications. A job carrying an in-flight
// transaction is queued for a follow-up check; a listener reconnect triggers a full sweep.
func (e *Escrow) HandleNotification(ctx context.Context, table string, data map[string]interface{}) error {
	if table == "reconnect" {
		_, err := e.ReconcileAll(ctx)
		return err
	}
	if table != "jobs" {
		return nil
	}
	rawID, _ := data["id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("job notification with bad id %q: %w", rawID, err)
	}
	if pending, _ := data["pending_tx_ref"].(string); pending != "" {
		e.enqueueReconcile(&model.Job{ID: id}, e.conf.Escrow.FundingTimeout)
	}
	return nil
}

// Listen consumes contract events and runs periodic sweeps until ctx ends. The event
// subscription is re-established with backoff when it drops.
func (e *Escrow) Listen(ctx context.Context) error {
	events := make(chan chain.Event, 128)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		for {
			sub, err := e.gateway.Subscribe(gctx, events)
			if err == nil {
				b.Reset()
				select {
				case <-gctx.Done():
					sub.Unsubscribe()
					return nil
				case err = <-sub.Err():
				}
			}
			wait := b.NextBackOff()
			logrus.WithError(err).WithField("retry_in", wait).Warn("chain event subscription dropped")
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.conf.Reconciliation.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				if err := e.HandleEvent(gctx, ev); err != nil {
					logrus.WithError(err).WithField("event", ev.Name).Warn("event reconciliation failed")
				}
			case <-ticker.C:
				summary, err := e.ReconcileAll(gctx)
				if err != nil {
					logrus.WithError(err).Warn("reconciliation sweep failed")
				}
				if _, err := e.SweepAutoReleases(gctx); err != nil {
					logrus.WithError(err).Warn("auto-release sweep failed")
				}
				logrus.WithFields(logrus.Fields{
					"examined": summary.Examined, "corrected": summary.Corrected,
					"pending": summary.Pending, "collision": summary.Collision,
				}).Debug("reconciliation sweep finished")
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
