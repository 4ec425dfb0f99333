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
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
)

type DisputeStatus string

const (
	DisputePending  DisputeStatus = "pending"
	DisputeResolved DisputeStatus = "resolved"
)

type Dispute struct {
	ID                   string          `json:"id"`
	JobID                uuid.UUID       `json:"job_id"`
	RaisedBy             string          `json:"raised_by"`
	DepositAmount        *big.Int        `json:"deposit_amount"`
	Status               DisputeStatus   `json:"status"`
	EvidenceBundle       json.RawMessage `json:"evidence_bundle,omitempty"`
	ResolutionNotes      string          `json:"resolution_notes,omitempty"`
	ClientAmount         *big.Int        `json:"client_amount,omitempty"`
	FreelancerAmount     *big.Int        `json:"freelancer_amount,omitempty"`
	PenalizeClient       bool            `json:"penalize_client"`
	SlashFreelancerStake bool            `json:"slash_freelancer_stake"`
	ResolvedBy           string          `json:"resolved_by,omitempty"`
	RaiseTxRef           string          `json:"raise_tx_ref,omitempty"`
	ResolveTxRef         string          `json:"resolve_tx_ref,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
}

// Resolution is the arbitrator's out-of-band decision on a pending dispute.
type Resolution struct {
	ClientAmount         *big.Int `json:"client_amount"`
	FreelancerAmount     *big.Int `json:"freelancer_amount"`
	Notes                string   `json:"notes"`
	PenalizeClient       bool     `json:"penalize_client"`
	SlashFreelancerStake bool     `json:"slash_freelancer_stake"`
	ResolvedBy           string   `json:"resolved_by"`
}
