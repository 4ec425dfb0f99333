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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	job      // Interface for job-related operations
	revision // Interface for revision history operations
	dispute  // Interface for dispute operations
	history  // Interface for the status audit trail
}

// job defines methods for handling job records.
type job interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	GetJobsByChainID(ctx context.Context, chainJobID string) ([]*model.Job, error)
	// TransitionJob applies t only while the job is still in t.From and returns the updated row.
	// ErrStatusConflict is returned when another writer moved the job first.
	TransitionJob(ctx context.Context, id uuid.UUID, t model.JobTransition) (*model.Job, error)
	// SetPendingTx records (or clears, with nil) the in-flight transaction while the job is in status.
	SetPendingTx(ctx context.Context, id uuid.UUID, status model.JobStatus, txRef *string) error
	GetNonTerminalJobs(ctx context.Context, after uuid.UUID, limit int) ([]*model.Job, error)
	GetJobsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
}

// revision defines methods for the append-only submission history.
type revision interface {
	GetRevisions(ctx context.Context, jobID uuid.UUID) ([]model.Revision, error)
}

// dispute defines methods for dispute records.
type dispute interface {
	GetPendingDispute(ctx context.Context, jobID uuid.UUID) (*model.Dispute, error)
	GetDisputes(ctx context.Context, jobID uuid.UUID) ([]*model.Dispute, error)
}

// history defines methods for the status audit trail.
type history interface {
	GetStatusHistory(ctx context.Context, jobID uuid.UUID) ([]model.StatusHistory, error)
}
