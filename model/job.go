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

package model

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobAwaitingFunding   JobStatus = "awaiting_funding"
	JobInProgress        JobStatus = "in_progress"
	JobUnderReview       JobStatus = "under_review"
	JobRevisionRequested JobStatus = "revision_requested"
	JobDisputed          JobStatus = "disputed"
	JobCompleted         JobStatus = "completed"
	JobCancelled         JobStatus = "cancelled"
	JobRefunded          JobStatus = "refunded"
)

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobRefunded:
		return true
	}
	return false
}

// Disputable reports whether a dispute may be raised from the status.
func (s JobStatus) Disputable() bool {
	switch s {
	case JobInProgress, JobUnderReview, JobRevisionRequested:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobAwaitingFunding, JobInProgress, JobUnderReview, JobRevisionRequested,
		JobDisputed, JobCompleted, JobCancelled, JobRefunded:
		return true
	}
	return false
}

// Job is one marketplace transaction whose funds are held by the escrow contract.
type Job struct {
	ID                      uuid.UUID  `json:"id"`
	ChainJobID              string     `json:"chain_job_id"`
	ClientID                string     `json:"client_id"`
	CounterpartyID          string     `json:"counterparty_id"`
	ClientAddress           string     `json:"client_address"`
	CounterpartyAddress     string     `json:"counterparty_address"`
	Token                   string     `json:"token"`
	Amount                  *big.Int   `json:"amount"`
	PlatformFeeBps          uint32     `json:"platform_fee_bps"`
	FreelancerStakeRequired bool       `json:"freelancer_stake_required"`
	StakeAmount             *big.Int   `json:"stake_amount"`
	AllowedRevisions        int        `json:"allowed_revisions"`
	CurrentRevisionNumber   int        `json:"current_revision_number"`
	SubmissionDeadline      *time.Time `json:"submission_deadline,omitempty"`
	ReviewDeadline          *time.Time `json:"review_deadline,omitempty"`
	ApprovalDeadline        *time.Time `json:"approval_deadline,omitempty"`
	Status                  JobStatus  `json:"status"`
	OnChainTxRef            *string    `json:"on_chain_tx_ref,omitempty"`
	PendingTxRef            *string    `json:"pending_tx_ref,omitempty"`
	ListingRef              *string    `json:"listing_ref,omitempty"`
	RevisionNotes           string     `json:"revision_notes,omitempty"`
	ReleasedAmount          *big.Int   `json:"released_amount,omitempty"`
	PlatformFeeAmount       *big.Int   `json:"platform_fee_amount,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// RevisionsRemaining is how many more revisions the client may still request.
func (j *Job) RevisionsRemaining() int {
	if j.CurrentRevisionNumber >= j.AllowedRevisions {
		return 0
	}
	return j.AllowedRevisions - j.CurrentRevisionNumber
}

// IsParty reports whether the party id is the client or the counterparty.
func (j *Job) IsParty(partyID string) bool {
	return partyID != "" && (partyID == j.ClientID || partyID == j.CounterpartyID)
}

// Deadlines are the timestamps the contract assigns as the job progresses.
type Deadlines struct {
	Submission *time.Time `json:"submission_deadline,omitempty"`
	Review     *time.Time `json:"review_deadline,omitempty"`
	Approval   *time.Time `json:"approval_deadline,omitempty"`
}

// JobTransition describes a guarded status change. Nil fields leave the stored value untouched.
type JobTransition struct {
	From           JobStatus
	To             JobStatus
	TxRef          *string
	ClearPending   bool
	Deadlines      *Deadlines
	RevisionNumber *int
	RevisionNotes  *string
	Payout         *Payout
	Source         string

	// Rows written in the same database transaction as the status change.
	Revision     *Revision
	OpenDispute  *Dispute
	CloseDispute *Dispute
}

// StatusHistory is one append-only row of a job's status audit trail.
type StatusHistory struct {
	JobID     uuid.UUID `json:"job_id"`
	From      JobStatus `json:"from_status"`
	To        JobStatus `json:"to_status"`
	TxRef     *string   `json:"tx_ref,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Revision is an immutable work submission. Revision 0 is the initial delivery.
type Revision struct {
	JobID          uuid.UUID `json:"job_id"`
	RevisionNumber int       `json:"revision_number"`
	DeliverableRef string    `json:"deliverable_ref"`
	VCSRef         *string   `json:"vcs_ref,omitempty"`
	SubmittedBy    string    `json:"submitted_by"`
	TxRef          string    `json:"tx_ref"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
