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

package escrow

import (
	"context"
	"embed"
	"fmt"
	"math/big"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/cache"
	"github.com/blnkfinance/escrow/internal/metrics"
	"github.com/blnkfinance/escrow/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// Party ids the signer provider must resolve for calls the platform makes on its own behalf.
const (
	PartyPlatform   = "platform"
	PartyArbitrator = "arbitrator"
)

const decimalsCacheTTL = 24 * time.Hour

var tracer = otel.Tracer("escrow.orchestrator")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Escrow drives jobs through their lifecycle, keeping the ledger in step with the escrow contract.
type Escrow struct {
	datasource database.IDataSource
	gateway    chain.Gateway
	mapper     chain.IDMapper
	signers    chain.SignerProvider
	redis      redis.UniversalClient
	cache      cache.Cache
	scheduler  Scheduler
	feed       *Feed
	metrics    *metrics.Registry
	conf       *config.Configuration
	now        func() time.Time
}

type Option func(*Escrow)

// WithRedis enables the per-job funding lock and the Redis status channel.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Escrow) { e.redis = client }
}

func WithCache(c cache.Cache) Option {
	return func(e *Escrow) { e.cache = c }
}

func WithScheduler(s Scheduler) Option {
	return func(e *Escrow) { e.scheduler = s }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(e *Escrow) { e.metrics = r }
}

func withClock(now func() time.Time) Option {
	return func(e *Escrow) { e.now = now }
}

// NewEscrow wires the orchestrator from the loaded configuration.
func NewEscrow(db database.IDataSource, gw chain.Gateway, signers chain.SignerProvider, opts ...Option) (*Escrow, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	mapper, err := chain.NewIDMapper(conf.Chain.IDWidthBits)
	if err != nil {
		return nil, err
	}
	e := &Escrow{
		datasource: db,
		gateway:    gw,
		mapper:     mapper,
		signers:    signers,
		conf:       conf,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.feed = NewFeed(e.redis)
	return e, nil
}

// Feed is the job status change stream.
func (e *Escrow) Feed() *Feed { return e.feed }

func (e *Escrow) Datasource() database.IDataSource { return e.datasource }

// GetJob returns the ledger record.
func (e *Escrow) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return e.datasource.GetJob(ctx, id)
}

func (e *Escrow) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]model.StatusHistory, error) {
	return e.datasource.GetStatusHistory(ctx, id)
}

func (e *Escrow) GetDisputes(ctx context.Context, id uuid.UUID) ([]*model.Dispute, error) {
	return e.datasource.GetDisputes(ctx, id)
}

func (e *Escrow) chainID(job *model.Job) (*big.Int, error) {
	id, ok := new(big.Int).SetString(job.ChainJobID, 10)
	if !ok {
		return nil, fmt.Errorf("job %s has malformed chain id %q", job.ID, job.ChainJobID)
	}
	return id, nil
}

func (e *Escrow) signerFor(ctx context.Context, partyID string) (chain.Signer, error) {
	s, err := e.signers.SignerFor(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("resolve signer for %s: %w", partyID, err)
	}
	return s, nil
}

// tokenDecimals is best effort; it falls back to 0 so amounts print in base units.
func (e *Escrow) tokenDecimals(ctx context.Context, token common.Address) uint8 {
	load := func() (interface{}, error) {
		return e.gateway.Decimals(ctx, token)
	}
	var decimals uint8
	var err error
	if e.cache != nil {
		err = e.cache.Once(ctx, "escrow:decimals:"+token.Hex(), &decimals, decimalsCacheTTL, load)
	} else {
		decimals, err = e.gateway.Decimals(ctx, token)
	}
	if err != nil {
		logrus.WithError(err).WithField("token", token.Hex()).Warn("could not read token decimals")
		return 0
	}
	return decimals
}

// formatAmount renders base units as a human readable token amount.
func formatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

func (e *Escrow) observe(op string, started time.Time, out model.Outcome, err error) {
	kind := string(out.Kind)
	if err != nil {
		kind = "error"
	}
	e.metrics.ObserveOutcome(op, kind, string(out.Reason), started)
}

func jobFields(job *model.Job, op string) logrus.Fields {
	return logrus.Fields{"job_id": job.ID.String(), "chain_job_id": job.ChainJobID, "operation": op, "status": job.Status}
}
