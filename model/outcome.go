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

import "fmt"

type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeRejected            OutcomeKind = "rejected"
	OutcomePendingConfirmation OutcomeKind = "pending_confirmation"
)

type RejectReason string

const (
	ReasonInvalidCounterparty   RejectReason = "InvalidCounterparty"
	ReasonInsufficientFunds     RejectReason = "InsufficientFunds"
	ReasonStakeNotReady         RejectReason = "StakeNotReady"
	ReasonAlreadyFunded         RejectReason = "AlreadyFunded"
	ReasonAllowanceInsufficient RejectReason = "AllowanceInsufficient"
	ReasonBalanceInsufficient   RejectReason = "BalanceInsufficient"
	ReasonRevisionCountInvalid  RejectReason = "RevisionCountInvalid"
	ReasonUnknownContractError  RejectReason = "UnknownContractError"
	ReasonRevisionQuotaExceeded RejectReason = "RevisionQuotaExceeded"
	ReasonNoPendingDispute      RejectReason = "NoPendingDispute"
	ReasonDisputePending        RejectReason = "DisputePending"
	ReasonInvalidState          RejectReason = "InvalidState"
	ReasonInvalidSplit          RejectReason = "InvalidSplit"
	ReasonIdentifierCollision   RejectReason = "IdentifierCollision"
	ReasonDeadlineNotReached    RejectReason = "DeadlineNotReached"
	ReasonNotParty              RejectReason = "NotParty"
	ReasonInvalidAmount         RejectReason = "InvalidAmount"
)

// Outcome is the discriminated result of every orchestration operation.
type Outcome struct {
	Kind    OutcomeKind       `json:"kind"`
	TxRef   string            `json:"tx_ref,omitempty"`
	Reason  RejectReason      `json:"reason,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Job     *Job              `json:"job,omitempty"`
	Payout  *Payout           `json:"payout,omitempty"`
}

func Success(txRef string, job *Job) Outcome {
	return Outcome{Kind: OutcomeSuccess, TxRef: txRef, Job: job}
}

func Pending(txRef string, job *Job) Outcome {
	return Outcome{
		Kind:    OutcomePendingConfirmation,
		TxRef:   txRef,
		Job:     job,
		Message: fmt.Sprintf("transaction %s submitted; confirmation still outstanding", txRef),
	}
}

func Rejected(reason RejectReason, format string, args ...interface{}) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a diagnostic key/value to a rejection.
func (o Outcome) WithDetail(key, value string) Outcome {
	if o.Details == nil {
		o.Details = make(map[string]string)
	}
	o.Details[key] = value
	return o
}

func (o Outcome) IsSuccess() bool  { return o.Kind == OutcomeSuccess }
func (o Outcome) IsRejected() bool { return o.Kind == OutcomeRejected }
func (o Outcome) IsPending() bool  { return o.Kind == OutcomePendingConfirmation }
