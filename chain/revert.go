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
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RevertError is a contract revert surfaced by simulation or gas estimation.
type RevertError struct {
	Reason model.RejectReason
	Raw    string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("execution reverted: %s (%s)", e.Raw, e.Reason)
}

// revertPatterns maps revert text fragments to rejection reasons. Order matters: the first
// match wins, so more specific fragments come first.
var revertPatterns = []struct {
	fragment string
	reason   model.RejectReason
}{
	{"already exists", model.ReasonAlreadyFunded},
	{"alreadyexists", model.ReasonAlreadyFunded},
	{"already funded", model.ReasonAlreadyFunded},
	{"invalid freelancer", model.ReasonInvalidCounterparty},
	{"invalidfreelancer", model.ReasonInvalidCounterparty},
	{"invalid counterparty", model.ReasonInvalidCounterparty},
	{"zero address", model.ReasonInvalidCounterparty},
	{"allowance", model.ReasonAllowanceInsufficient},
	{"insufficient balance", model.ReasonBalanceInsufficient},
	{"insufficientbalance", model.ReasonBalanceInsufficient},
	{"exceeds balance", model.ReasonBalanceInsufficient},
	{"revision", model.ReasonRevisionCountInvalid},
}

// ClassifyRevert translates raw revert text into the closed rejection set. Unrecognised
// text becomes UnknownContractError with the raw reason kept.
func ClassifyRevert(raw string) *RevertError {
	lower := strings.ToLower(raw)
	for _, p := range revertPatterns {
		if strings.Contains(lower, p.fragment) {
			return &RevertError{Reason: p.reason, Raw: raw}
		}
	}
	return &RevertError{Reason: model.ReasonUnknownContractError, Raw: raw}
}

// dataError matches JSON-RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

// revertFromError extracts the revert reason from an RPC error. The second return is
// false when err is not a revert at all.
func revertFromError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, ok := decodeRevertData(raw); ok {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
	if reason == "" {
		reason = "execution reverted"
	}
	return reason, true
}

func decodeRevertData(raw []byte) (string, bool) {
	if reason, err := abi.UnpackRevert(raw); err == nil {
		return reason, true
	}
	if len(raw) < 4 {
		return "", false
	}
	for name, custom := range escrowABI.Errors {
		if bytes.Equal(custom.ID.Bytes()[:4], raw[:4]) {
			return name, true
		}
	}
	return "", false
}
