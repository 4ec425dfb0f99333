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
	"context"
	"encoding/json"
	"net/http"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/api/middleware"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Orchestrator is the set of escrow operations exposed over HTTP.
type Orchestrator interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	GetStatusHistory(ctx context.Context, id uuid.UUID) ([]model.StatusHistory, error)
	GetDisputes(ctx context.Context, id uuid.UUID) ([]*model.Dispute, error)
	ListRevisions(ctx context.Context, id uuid.UUID) ([]model.Revision, error)

	FundJob(ctx context.Context, id uuid.UUID, partyID string) (model.Outcome, error)
	CancelJob(ctx context.Context, id uuid.UUID, partyID string) (model.Outcome, error)
	ReclaimFunds(ctx context.Context, id uuid.UUID, partyID string) (model.Outcome, error)
	SubmitWork(ctx context.Context, id uuid.UUID, partyID string, sub escrow.Submission) (model.Outcome, error)
	SubmitRevision(ctx context.Context, id uuid.UUID, partyID string, sub escrow.Submission) (model.Outcome, error)
	RequestRevision(ctx context.Context, id uuid.UUID, partyID, notes string) (model.Outcome, error)
	ApproveJob(ctx context.Context, id uuid.UUID, partyID string) (model.Outcome, error)
	AutoRelease(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	RaiseDispute(ctx context.Context, id uuid.UUID, partyID string, evidence json.RawMessage) (model.Outcome, error)
	ResolveDispute(ctx context.Context, id uuid.UUID, arbitratorID string, res model.Resolution) (model.Outcome, error)

	ReconcileJob(ctx context.Context, id uuid.UUID) (escrow.ReconcileResult, error)
	ReconcileAll(ctx context.Context) (escrow.ReconcileSummary, error)

	Feed() *escrow.Feed
}

var _ Orchestrator = (*escrow.Escrow)(nil)

type Api struct {
	escrow Orchestrator
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	jobs := router.Group("/jobs")
	jobs.POST("", a.CreateJob)
	jobs.GET("/:id", a.GetJob)
	jobs.GET("/:id/history", a.GetStatusHistory)
	jobs.GET("/:id/revisions", a.ListRevisions)
	jobs.GET("/:id/disputes", a.GetDisputes)
	jobs.POST("/:id/auto-release", a.AutoRelease)
	jobs.POST("/:id/reconcile", a.ReconcileJob)

	acting := jobs.Group("", middleware.PartyMiddleware())
	acting.POST("/:id/fund", a.FundJob)
	acting.POST("/:id/cancel", a.CancelJob)
	acting.POST("/:id/reclaim", a.ReclaimFunds)
	acting.POST("/:id/submit", a.SubmitWork)
	acting.POST("/:id/revisions", a.SubmitRevision)
	acting.POST("/:id/request-revision", a.RequestRevision)
	acting.POST("/:id/approve", a.ApproveJob)
	acting.POST("/:id/disputes", a.RaiseDispute)
	acting.POST("/:id/disputes/resolve", a.ResolveDispute)

	router.POST("/reconcile", a.ReconcileAll)
	router.GET("/events", a.StreamEvents)
	return a.router
}

// NewAPI builds the router. gatherer serves /metrics; nil uses the default registry.
func NewAPI(o Orchestrator, gatherer prometheus.Gatherer) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(conf.ProjectName), middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return &Api{escrow: o, router: r}
}
