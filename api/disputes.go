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

func (a Api) RaiseDispute(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req model2.RaiseDispute
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateRaiseDispute(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	out, err := a.escrow.RaiseDispute(c.Request.Context(), id, middleware.PartyID(c), req.Evidence)
	respondOutcome(c, out, err)
}

// ResolveDispute records the acting party as the arbitrator. The transaction is
// signed with the arbitrator key regardless of who calls.
func (a Api) ResolveDispute(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req model2.ResolveDispute
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateResolveDispute(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	arbitrator := middleware.PartyID(c)
	out, err := a.escrow.ResolveDispute(c.Request.Context(), id, arbitrator, req.ToResolution(arbitrator))
	respondOutcome(c, out, err)
}

func (a Api) GetDisputes(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := a.escrow.GetDisputes(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
