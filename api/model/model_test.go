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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCreateJob() CreateJob {
	return CreateJob{
		ClientID:            "client-1",
		CounterpartyID:      "freelancer-1",
		ClientAddress:       "0x1111111111111111111111111111111111111111",
		CounterpartyAddress: "0x2222222222222222222222222222222222222222",
		Token:               "0x3333333333333333333333333333333333333333",
		Amount:              "500000000",
		AllowedRevisions:    2,
	}
}

func TestValidateCreateJob(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateJob)
		wantErr bool
	}{
		{name: "valid", mutate: func(*CreateJob) {}},
		{name: "valid with stake", mutate: func(j *CreateJob) { j.FreelancerStakeRequired = true; j.StakeAmount = "100" }},
		{name: "missing amount", mutate: func(j *CreateJob) { j.Amount = "" }, wantErr: true},
		{name: "decimal amount", mutate: func(j *CreateJob) { j.Amount = "10.5" }, wantErr: true},
		{name: "zero amount", mutate: func(j *CreateJob) { j.Amount = "0" }, wantErr: true},
		{name: "negative stake", mutate: func(j *CreateJob) { j.StakeAmount = "-1" }, wantErr: true},
		{name: "missing counterparty", mutate: func(j *CreateJob) { j.CounterpartyID = "" }, wantErr: true},
		{name: "missing revisions", mutate: func(j *CreateJob) { j.AllowedRevisions = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateJob()
			tt.mutate(&req)
			err := req.ValidateCreateJob()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateJobToJob(t *testing.T) {
	req := validCreateJob()
	req.StakeAmount = "25"
	req.ListingRef = "listing-9"
	job := req.ToJob()

	assert.Equal(t, "500000000", job.Amount.String())
	assert.Equal(t, "25", job.StakeAmount.String())
	require.NotNil(t, job.ListingRef)
	assert.Equal(t, "listing-9", *job.ListingRef)
	assert.Equal(t, 2, job.AllowedRevisions)

	req.StakeAmount = ""
	req.ListingRef = ""
	job = req.ToJob()
	assert.Nil(t, job.StakeAmount)
	assert.Nil(t, job.ListingRef)
}

func TestValidateRaiseDispute(t *testing.T) {
	assert.NoError(t, (&RaiseDispute{}).ValidateRaiseDispute())
	assert.NoError(t, (&RaiseDispute{Evidence: json.RawMessage(`{"a":1}`)}).ValidateRaiseDispute())
	assert.Error(t, (&RaiseDispute{Evidence: json.RawMessage(`{a:1}`)}).ValidateRaiseDispute())
}

func TestResolveDispute(t *testing.T) {
	req := ResolveDispute{ClientAmount: "300", FreelancerAmount: "700", Notes: "split", PenalizeClient: true}
	require.NoError(t, req.ValidateResolveDispute())
	res := req.ToResolution("arbitrator-7")
	assert.Equal(t, "300", res.ClientAmount.String())
	assert.Equal(t, "700", res.FreelancerAmount.String())
	assert.Equal(t, "arbitrator-7", res.ResolvedBy)
	assert.True(t, res.PenalizeClient)

	assert.Error(t, (&ResolveDispute{ClientAmount: "300"}).ValidateResolveDispute())
	assert.Error(t, (&ResolveDispute{ClientAmount: "abc", FreelancerAmount: "1"}).ValidateResolveDispute())
}

func TestValidateSubmission(t *testing.T) {
	assert.NoError(t, (&Submission{DeliverableRef: "ipfs://cid"}).ValidateSubmission())
	assert.Error(t, (&Submission{VCSRef: "abc"}).ValidateSubmission())
	assert.Error(t, (&RequestRevision{}).ValidateRequestRevision())
}
