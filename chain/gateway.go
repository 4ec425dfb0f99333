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

package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConfirmationTimeout means the transaction was submitted but no receipt arrived in time.
	// The transaction may still land; callers must not resubmit.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrTxReverted means the transaction was mined and reverted.
	ErrTxReverted = errors.New("transaction reverted")
)

// ChainStatus mirrors the contract's job status enum.
type ChainStatus uint8

const (
	ChainNone ChainStatus = iota
	ChainFunded
	ChainSubmitted
	ChainRevisionRequested
	ChainCompleted
	ChainDisputed
	ChainResolved
	ChainRefunded
)

func (s ChainStatus) String() string {
	switch s {
	case ChainNone:
		return "none"
	case ChainFunded:
		return "funded"
	case ChainSubmitted:
		return "submitted"
	case ChainRevisionRequested:
		return "revision_requested"
	case ChainCompleted:
		return "completed"
	case ChainDisputed:
		return "disputed"
	case ChainResolved:
		return "resolved"
	case ChainRefunded:
		return "refunded"
	}
	return "unknown"
}

// LedgerStatus maps the contract status onto the ledger's status set.
func (s ChainStatus) LedgerStatus() (model.JobStatus, bool) {
	switch s {
	case ChainFunded:
		return model.JobInProgress, true
	case ChainSubmitted:
		return model.JobUnderReview, true
	case ChainRevisionRequested:
		return model.JobRevisionRequested, true
	case ChainDisputed:
		return model.JobDisputed, true
	case ChainCompleted, ChainResolved:
		return model.JobCompleted, true
	case ChainRefunded:
		return model.JobRefunded, true
	}
	return "", false
}

// JobView is the decoded result of the contract's getJob accessor.
type JobView struct {
	Exists             bool
	Client             common.Address
	Freelancer         common.Address
	Token              common.Address
	Amount             *big.Int
	Status             ChainStatus
	SubmissionDeadline uint64
	ReviewDeadline     uint64
	ApprovalDeadline   uint64
	AllowedRevisions   uint8
	CurrentRevision    uint8
	RequiresStake      bool
}

// Deadlines converts the contract's unix deadlines; zero values stay nil.
func (v *JobView) Deadlines() *model.Deadlines {
	return &model.Deadlines{
		Submission: unixPtr(v.SubmissionDeadline),
		Review:     unixPtr(v.ReviewDeadline),
		Approval:   unixPtr(v.ApprovalDeadline),
	}
}

func unixPtr(ts uint64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(int64(ts), 0).UTC()
	return &t
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
}

// SentCall is an escrow call recovered from a transaction on chain.
type SentCall struct {
	From common.Address
	Call Call
}

// Event is one decoded escrow contract log.
type Event struct {
	Name        string
	ChainJobID  *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	Removed     bool
}

// Gateway is the only component that talks to the escrow contract. It never touches the ledger.
type Gateway interface {
	EscrowAddress() common.Address
	GetJob(ctx context.Context, jobID *big.Int) (*JobView, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	// Simulate runs the call without mutating state. A revert is returned as *RevertError.
	Simulate(ctx context.Context, signer Signer, call Call) error
	// Send signs and broadcasts the call and returns its hash before confirmation.
	Send(ctx context.Context, signer Signer, call Call) (common.Hash, error)
	// Receipt returns nil without error while the transaction is unknown or unmined.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
	// LookupCall decodes the escrow call a transaction carried. It returns nil without
	// error when the transaction is unknown or did not target the escrow contract.
	LookupCall(ctx context.Context, hash common.Hash) (*SentCall, error)
	Subscribe(ctx context.Context, sink chan<- Event) (ethereum.Subscription, error)
}

// Transact submits call, reports the hash through onSubmitted before waiting, and blocks
// until the receipt arrives or timeout passes. On timeout the returned hash is still valid
// and the error wraps ErrConfirmationTimeout.
func Transact(ctx context.Context, gw Gateway, signer Signer, call Call, timeout time.Duration, onSubmitted func(common.Hash) error) (common.Hash, error) {
	hash, err := gw.Send(ctx, signer, call)
	if err != nil {
		return common.Hash{}, err
	}
	if onSubmitted != nil {
		if err := onSubmitted(hash); err != nil {
			return hash, err
		}
	}
	if _, err := gw.WaitConfirmed(ctx, hash, timeout); err != nil {
		return hash, err
	}
	return hash, nil
}
