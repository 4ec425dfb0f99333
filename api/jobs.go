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

package api

import (
	"net/http"

	"github.com/blnkfinance/escrow/api/middleware"
	model2 "github.com/blnkfinance/escrow/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) CreateJob(c *gin.Context) {
	var newJob model2.CreateJob
	if err := c.ShouldBindJSON(&newJob); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newJob.ValidateCreateJob(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.escrow.CreateJob(c.Request.Context(), newJob.ToJob())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := a.escrow.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetStatusHistory(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := a.escrow.GetStatusHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) FundJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	out, err := a.escrow.FundJob(c.Request.Context(), id, middleware.PartyID(c))
	respondOutcome(c, out, err)
}

func (a Api) CancelJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	out, err := a.escrow.CancelJob(c.Request.Context(), id, middleware.PartyID(c))
	respondOutcome(c, out, err)
}

func (a Api) ReclaimFunds(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	out, err := a.escrow.ReclaimFunds(c.Request.Context(), id, middleware.PartyID(c))
	respondOutcome(c, out, err)
}

func (a Api) ApproveJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	out, err := a.escrow.ApproveJob(c.Request.Context(), id, middleware.PartyID(c))
	respondOutcome(c, out, err)
}

// AutoRelease is open to any caller; the contract enforces the deadline.
func (a Api) AutoRelease(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	out, err := a.escrow.AutoRelease(c.Request.Context(), id)
	respondOutcome(c, out, err)
}
