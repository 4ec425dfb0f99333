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
	"fmt"
	"math/big"
	"strings"

	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// IDMapper derives the contract's numeric job id from the leading bytes of the
// ledger's 128-bit job id. The mapping is lossy below 128 bits: two ledger ids that
// share a prefix map to the same numeric id, so callers must check VerifyTerms
// before trusting an existing on-chain job.
type IDMapper struct {
	bits int
}

func NewIDMapper(bits int) (IDMapper, error) {
	if bits%8 != 0 || bits < 32 || bits > 128 {
		return IDMapper{}, fmt.Errorf("unsupported chain id width %d", bits)
	}
	return IDMapper{bits: bits}, nil
}

func (m IDMapper) Bits() int { return m.bits }

// ToChainID is pure and deterministic.
func (m IDMapper) ToChainID(id uuid.UUID) *big.Int {
	return new(big.Int).SetBytes(id[:m.bits/8])
}

// CollisionError reports that an on-chain job under the mapped id carries terms
// that belong to a different ledger job.
type CollisionError struct {
	ChainJobID string
	Field      string
	Expected   string
	Actual     string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("chain job %s does not belong to this ledger job: %s is %s, expected %s",
		e.ChainJobID, e.Field, e.Actual, e.Expected)
}

// VerifyTerms compares an existing on-chain job against the ledger's commercial terms.
func VerifyTerms(view *JobView, job *model.Job) error {
	if view == nil || !view.Exists {
		return nil
	}
	mismatch := func(field, expected, actual string) error {
		return &CollisionError{ChainJobID: job.ChainJobID, Field: field, Expected: expected, Actual: actual}
	}
	if !sameAddress(view.Client, job.ClientAddress) {
		return mismatch("client", job.ClientAddress, view.Client.Hex())
	}
	if !sameAddress(view.Freelancer, job.CounterpartyAddress) {
		return mismatch("freelancer", job.CounterpartyAddress, view.Freelancer.Hex())
	}
	if !sameAddress(view.Token, job.Token) {
		return mismatch("token", job.Token, view.Token.Hex())
	}
	if view.Amount == nil || job.Amount == nil || view.Amount.Cmp(job.Amount) != 0 {
		return mismatch("amount", amountString(job.Amount), amountString(view.Amount))
	}
	if int(view.AllowedRevisions) != job.AllowedRevisions {
		return mismatch("allowed_revisions", fmt.Sprint(job.AllowedRevisions), fmt.Sprint(view.AllowedRevisions))
	}
	if view.RequiresStake != job.FreelancerStakeRequired {
		return mismatch("requires_stake", fmt.Sprint(job.FreelancerStakeRequired), fmt.Sprint(view.RequiresStake))
	}
	return nil
}

func sameAddress(a common.Address, hex string) bool {
	if !common.IsHexAddress(strings.TrimSpace(hex)) {
		return false
	}
	return a == common.HexToAddress(hex)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}

// ValidAddress reports whether s is a well-formed, non-zero account address.
func ValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return false
	}
	return common.HexToAddress(s) != (common.Address{})
}
