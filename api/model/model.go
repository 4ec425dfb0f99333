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
	"errors"
	"math/big"

	"github.com/blnkfinance/escrow/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateJob is the accepted proposal posted by the marketplace.
type CreateJob struct {
	ClientID                string `json:"client_id"`
	CounterpartyID          string `json:"counterparty_id"`
	ClientAddress           string `json:"client_address"`
	CounterpartyAddress     string `json:"counterparty_address"`
	Token                   string `json:"token"`
	Amount                  string `json:"amount"`
	PlatformFeeBps          uint32 `json:"platform_fee_bps"`
	FreelancerStakeRequired bool   `json:"freelancer_stake_required"`
	StakeAmount             string `json:"stake_amount"`
	AllowedRevisions        int    `json:"allowed_revisions"`
	ListingRef              string `json:"listing_ref"`
}

type Submission struct {
	DeliverableRef string `json:"deliverable_ref"`
	VCSRef         string `json:"vcs_ref"`
}

type RequestRevision struct {
	Notes string `json:"notes"`
}

type RaiseDispute struct {
	Evidence json.RawMessage `json:"evidence"`
}

type ResolveDispute struct {
	ClientAmount         string `json:"client_amount"`
	FreelancerAmount     string `json:"freelancer_amount"`
	Notes                string `json:"notes"`
	PenalizeClient       bool   `json:"penalize_client"`
	SlashFreelancerStake bool   `json:"slash_freelancer_stake"`
}

func amountRule(allowZero bool) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		v, err := model.ParseAmount(s)
		if err != nil {
			return errors.New("must be a base-10 integer in the token's smallest unit")
		}
		if v.Sign() < 0 || (!allowZero && v.Sign() == 0) {
			return errors.New("must be positive")
		}
		return nil
	}
}

func (j *CreateJob) ValidateCreateJob() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.ClientID, validation.Required),
		validation.Field(&j.CounterpartyID, validation.Required),
		validation.Field(&j.ClientAddress, validation.Required),
		validation.Field(&j.CounterpartyAddress, validation.Required),
		validation.Field(&j.Token, validation.Required),
		validation.Field(&j.Amount, validation.Required, validation.By(amountRule(false))),
		validation.Field(&j.StakeAmount, validation.By(amountRule(true))),
		validation.Field(&j.AllowedRevisions, validation.Required),
	)
}

// ToJob assumes ValidateCreateJob passed.
func (j *CreateJob) ToJob() *model.Job {
	amount, _ := model.ParseAmount(j.Amount)
	job := &model.Job{
		ClientID:                j.ClientID,
		CounterpartyID:          j.CounterpartyID,
		ClientAddress:           j.ClientAddress,
		CounterpartyAddress:     j.CounterpartyAddress,
		Token:                   j.Token,
		Amount:                  amount,
		PlatformFeeBps:          j.PlatformFeeBps,
		FreelancerStakeRequired: j.FreelancerStakeRequired,
		AllowedRevisions:        j.AllowedRevisions,
	}
	if j.StakeAmount != "" {
		job.StakeAmount, _ = model.ParseAmount(j.StakeAmount)
	}
	if j.ListingRef != "" {
		ref := j.ListingRef
		job.ListingRef = &ref
	}
	return job
}

func (s *Submission) ValidateSubmission() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.DeliverableRef, validation.Required, validation.Length(1, 2048)),
		validation.Field(&s.VCSRef, validation.Length(0, 512)),
	)
}

func (r *RequestRevision) ValidateRequestRevision() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Notes, validation.Required),
	)
}

func (d *RaiseDispute) ValidateRaiseDispute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Evidence, validation.By(func(value interface{}) error {
			raw, _ := value.(json.RawMessage)
			if len(raw) > 0 && !json.Valid(raw) {
				return errors.New("must be valid JSON")
			}
			return nil
		})),
	)
}

func (r *ResolveDispute) ValidateResolveDispute() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ClientAmount, validation.Required, validation.By(amountRule(true))),
		validation.Field(&r.FreelancerAmount, validation.Required, validation.By(amountRule(true))),
	)
}

// ToResolution assumes ValidateResolveDispute passed.
func (r *ResolveDispute) ToResolution(arbitratorID string) model.Resolution {
	parse := func(s string) *big.Int {
		v, _ := model.ParseAmount(s)
		return v
	}
	return model.Resolution{
		ClientAmount:         parse(r.ClientAmount),
		FreelancerAmount:     parse(r.FreelancerAmount),
		Notes:                r.Notes,
		PenalizeClient:       r.PenalizeClient,
		SlashFreelancerStake: r.SlashFreelancerStake,
		ResolvedBy:           arbitratorID,
	}
}
