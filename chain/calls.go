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

	"github.com/ethereum/go-ethereum/common"
)

type target uint8

const (
	targetEscrow target = iota
	targetToken
)

// Call is one contract entry point with its arguments, ready to simulate or send.
type Call struct {
	Method string
	Args   []interface{}
	JobID  *big.Int
	Token  common.Address
	target target
}

func (c Call) String() string {
	if c.target == targetToken {
		return fmt.Sprintf("%s@%s", c.Method, c.Token.Hex())
	}
	if c.JobID != nil {
		return fmt.Sprintf("%s(%s)", c.Method, c.JobID)
	}
	return c.Method
}

// IsTokenCall reports whether the call targets the ERC-20 token rather than the escrow.
func (c Call) IsTokenCall() bool { return c.target == targetToken }

func escrowCall(method string, jobID *big.Int, args ...interface{}) Call {
	return Call{
		Method: method,
		JobID:  jobID,
		Args:   append([]interface{}{jobID}, args...),
		target: targetEscrow,
	}
}

func FundJobCall(jobID *big.Int, freelancer, token common.Address, amount *big.Int, requiresStake bool, allowedRevisions uint8) Call {
	return escrowCall("fundJob", jobID, freelancer, token, amount, requiresStake, allowedRevisions)
}

func SubmitWorkCall(jobID *big.Int, deliverableRef, vcsRef string) Call {
	return escrowCall("submitWork", jobID, deliverableRef, vcsRef)
}

func SubmitRevisionCall(jobID *big.Int, deliverableRef, vcsRef string) Call {
	return escrowCall("submitRevision", jobID, deliverableRef, vcsRef)
}

func RequestRevisionCall(jobID *big.Int, notes string) Call {
	return escrowCall("requestRevision", jobID, notes)
}

func ApproveJobCall(jobID *big.Int) Call {
	return escrowCall("approveJob", jobID)
}

func AutoReleaseCall(jobID *big.Int) Call {
	return escrowCall("autoReleasePayment", jobID)
}

func RaiseDisputeCall(jobID *big.Int) Call {
	return escrowCall("raiseDispute", jobID)
}

func ResolveDisputeCall(jobID *big.Int, clientPct uint8, penalizeClient, slashStake bool, notes string) Call {
	return escrowCall("resolveDispute", jobID, clientPct, penalizeClient, slashStake, notes)
}

func ReclaimFundsCall(jobID *big.Int) Call {
	return escrowCall("reclaimFunds", jobID)
}

// ApproveTokenCall grants spender an ERC-20 allowance on token.
func ApproveTokenCall(token, spender common.Address, amount *big.Int) Call {
	return Call{
		Method: "approve",
		Args:   []interface{}{spender, amount},
		Token:  token,
		target: targetToken,
	}
}

// pack encodes the call for the escrow contract at escrow.
func (c Call) pack(escrow common.Address) (common.Address, []byte, error) {
	if c.target == targetToken {
		data, err := erc20ABI.Pack(c.Method, c.Args...)
		return c.Token, data, err
	}
	data, err := escrowABI.Pack(c.Method, c.Args...)
	return escrow, data, err
}

// Submission returns the deliverable and VCS refs carried by a submitWork or
// submitRevision call.
func (c Call) Submission() (deliverableRef, vcsRef string, ok bool) {
	if c.target != targetEscrow || (c.Method != "submitWork" && c.Method != "submitRevision") || len(c.Args) < 3 {
		return "", "", false
	}
	deliverableRef, ok = c.Args[1].(string)
	if !ok {
		return "", "", false
	}
	vcsRef, _ = c.Args[2].(string)
	return deliverableRef, vcsRef, true
}

// decodeEscrowCall is the inverse of pack for escrow contract calldata.
func decodeEscrowCall(data []byte) (Call, error) {
	if len(data) < 4 {
		return Call{}, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := escrowABI.MethodById(data[:4])
	if err != nil {
		return Call{}, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Call{}, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	c := Call{Method: method.Name, Args: args, target: targetEscrow}
	if len(args) > 0 {
		c.JobID, _ = args[0].(*big.Int)
	}
	return c, nil
}
