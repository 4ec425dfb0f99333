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

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// outcomeStatus maps an operation outcome onto an HTTP status. A rejection is a
// well-formed answer about the job's state, so it is 422 rather than a 4xx client fault.
func outcomeStatus(out model.Outcome, success int) int {
	switch out.Kind {
	case model.OutcomePendingConfirmation:
		return http.StatusAccepted
	case model.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return success
	}
}

func respondOutcome(c *gin.Context, out model.Outcome, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(outcomeStatus(out, http.StatusOK), out)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a job uuid"})
		return uuid.Nil, false
	}
	return id, true
}
