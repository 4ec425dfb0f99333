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
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const bpsDenominator = 10_000

// GenerateUUIDWithSuffix generates a UUID prefixed with the module name, e.g. "dsp_<uuid>".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Payout is how a release splits the escrowed amount.
type Payout struct {
	Counterparty *big.Int `json:"counterparty"`
	Platform     *big.Int `json:"platform"`
}

// BpsOf returns amount * bps / 10000, rounded down.
func BpsOf(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// SplitPayout computes the release split. The platform fee is rounded down so the
// counterparty receives the remainder and both parts always sum to amount.
func SplitPayout(amount *big.Int, feeBps uint32) Payout {
	fee := BpsOf(amount, feeBps)
	net := new(big.Int).Sub(amount, fee)
	return Payout{Counterparty: net, Platform: fee}
}

// ParseAmount parses a base-10 integer token amount in the smallest unit.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// CloneAmount returns an independent copy, treating nil as zero.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
