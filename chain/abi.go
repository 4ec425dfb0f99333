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
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const escrowABIJSON = `[
  {"type":"function","name":"fundJob","stateMutability":"nonpayable","inputs":[
    {"name":"jobId","type":"uint256"},{"name":"freelancer","type":"address"},{"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},{"name":"requiresStake","type":"bool"},{"name":"allowedRevisions","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"submitWork","stateMutability":"nonpayable","inputs":[
    {"name":"jobId","type":"uint256"},{"name":"deliverableRef","type":"string"},{"name":"vcsRef","type":"string"}],"outputs":[]},
  {"type":"function","name":"submitRevision","stateMutability":"nonpayable","inputs":[
    {"name":"jobId","type":"uint256"},{"name":"deliverableRef","type":"string"},{"name":"vcsRef","type":"string"}],"outputs":[]},
  {"type":"function","name":"requestRevision","stateMutability":"nonpayable","inputs":[
    {"name":"jobId","type":"uint256"},{"name":"notes","type":"string"}],"outputs":[]},
  {"type":"function","name":"approveJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"autoReleasePayment","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[
    {"name":"jobId","type":"uint256"},{"name":"clientPct","type":"uint8"},{"name":"penalizeClient","type":"bool"},
    {"name":"slashStake","type":"bool"},{"name":"notes","type":"string"}],"outputs":[]},
  {"type":"function","name":"reclaimFunds","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getJob","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[
    {"name":"exists","type":"bool"},{"name":"client","type":"address"},{"name":"freelancer","type":"address"},
    {"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},
    {"name":"submissionDeadline","type":"uint64"},{"name":"reviewDeadline","type":"uint64"},{"name":"approvalDeadline","type":"uint64"},
    {"name":"allowedRevisions","type":"uint8"},{"name":"currentRevision","type":"uint8"},{"name":"requiresStake","type":"bool"}]},

  {"type":"event","name":"JobFunded","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"client","type":"address","indexed":true},
    {"name":"freelancer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"WorkSubmitted","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"deliverableRef","type":"string","indexed":false}]},
  {"type":"event","name":"RevisionSubmitted","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"revision","type":"uint8","indexed":false},{"name":"deliverableRef","type":"string","indexed":false}]},
  {"type":"event","name":"RevisionRequested","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"notes","type":"string","indexed":false}]},
  {"type":"event","name":"JobApproved","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"freelancerAmount","type":"uint256","indexed":false},{"name":"platformFee","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentAutoReleased","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"freelancerAmount","type":"uint256","indexed":false},{"name":"platformFee","type":"uint256","indexed":false}]},
  {"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"raisedBy","type":"address","indexed":true},{"name":"deposit","type":"uint256","indexed":false}]},
  {"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"clientPct","type":"uint8","indexed":false},
    {"name":"penalizeClient","type":"bool","indexed":false},{"name":"slashStake","type":"bool","indexed":false}]},
  {"type":"event","name":"FundsReclaimed","anonymous":false,"inputs":[
    {"name":"jobId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},

  {"type":"error","name":"JobAlreadyExists","inputs":[]},
  {"type":"error","name":"InvalidFreelancer","inputs":[]},
  {"type":"error","name":"InsufficientAllowance","inputs":[]},
  {"type":"error","name":"InsufficientBalance","inputs":[]},
  {"type":"error","name":"InvalidRevisionCount","inputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	escrowABI = mustParseABI(escrowABIJSON)
	erc20ABI  = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EscrowABI exposes the parsed escrow contract ABI for callers that build their own filters.
func EscrowABI() abi.ABI { return escrowABI }
