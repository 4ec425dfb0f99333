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
	"time"

	"github.com/google/uuid"
)

const (
	SourceOrchestrator = "orchestrator"
	SourceReconciler   = "reconciler"
)

// StatusChange is published on the job status feed after every applied transition.
type StatusChange struct {
	JobID          uuid.UUID `json:"job_id"`
	ClientID       string    `json:"client_id"`
	CounterpartyID string    `json:"counterparty_id"`
	From           JobStatus `json:"from"`
	To             JobStatus `json:"to"`
	TxRef          string    `json:"tx_ref,omitempty"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// EventName is the webhook event name for the change, e.g. "job.completed".
func (s StatusChange) EventName() string {
	return "job." + string(s.To)
}
