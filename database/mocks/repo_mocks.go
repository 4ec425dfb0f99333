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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Job methods

func (m *MockDataSource) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) GetJobsByChainID(ctx context.Context, chainJobID string) ([]*model.Job, error) {
	args := m.Called(ctx, chainJobID)
	return args.Get(0).([]*model.Job), args.Error(1)
}

func (m *MockDataSource) TransitionJob(ctx context.Context, id uuid.UUID, t model.JobTransition) (*model.Job, error) {
	args := m.Called(ctx, id, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockDataSource) SetPendingTx(ctx context.Context, id uuid.UUID, status model.JobStatus, txRef *string) error {
	args := m.Called(ctx, id, status, txRef)
	return args.Error(0)
}

func (m *MockDataSource) GetNonTerminalJobs(ctx context.Context, after uuid.UUID, limit int) ([]*model.Job, error) {
	args := m.Called(ctx, after, limit)
	return args.Get(0).([]*model.Job), args.Error(1)
}

func (m *MockDataSource) GetJobsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*model.Job), args.Error(1)
}

// Revision methods

func (m *MockDataSource) GetRevisions(ctx context.Context, jobID uuid.UUID) ([]model.Revision, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]model.Revision), args.Error(1)
}

// Dispute methods

func (m *MockDataSource) GetPendingDispute(ctx context.Context, jobID uuid.UUID) (*model.Dispute, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Dispute), args.Error(1)
}

func (m *MockDataSource) GetDisputes(ctx context.Context, jobID uuid.UUID) ([]*model.Dispute, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]*model.Dispute), args.Error(1)
}

// History methods

func (m *MockDataSource) GetStatusHistory(ctx context.Context, jobID uuid.UUID) ([]model.StatusHistory, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]model.StatusHistory), args.Error(1)
}
