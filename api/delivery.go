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

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/api/middleware"
	model2 "github.com/blnkfinance/escrow/api/model"
	"github.com/gin-gonic/gin"
)

func bindSubmission(c *gin.Context) (escrow.Submission, bool) {
	var sub model2.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return escrow.Submission{}, false
	}
	if err := sub.ValidateSubmission(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return escrow.Submission{}, false
	}
	return escrow.Submission{DeliverableRef: sub.DeliverableRef, VCSRef: sub.VCSRef}, true
}

func (a Api) SubmitWork(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	sub, ok := bindSubmission(c)
	if !ok {
		return
	}
	out, err := a.escrow.SubmitWork(c.Request.Context(), id, middleware.PartyID(c), sub)
	respondOutcome(c, out, err)
}

func (a Api) SubmitRevision(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	sub, ok := bindSubmission(c)
	if !ok {
		return
	}
	out, err := a.escrow.SubmitRevision(c.Request.Context(), id, middleware.PartyID(c), sub)
	respondOutcome(c, out, err)
}

func (a Api) RequestRevision(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req model2.RequestRevision
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateRequestRevision(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	out, err := a.escrow.RequestRevision(c.Request.Context(), id, middleware.PartyID(c), req.Notes)
	respondOutcome(c, out, err)
}

func (a Api) ListRevisions(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := a.escrow.ListRevisions(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
