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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversTransitions(t *testing.T) {
	h := newHarness(t)
	changes, cancel := h.e.Feed().Subscribe(10)
	defer cancel()

	job := h.fundedJob(t, 500, 1)

	created := <-changes
	assert.Equal(t, job.ID, created.JobID)
	assert.Equal(t, model.JobAwaitingFunding, created.To)
	assert.Equal(t, "job.awaiting_funding", created.EventName())

	funded := <-changes
	assert.Equal(t, model.JobAwaitingFunding, funded.From)
	assert.Equal(t, model.JobInProgress, funded.To)
	assert.Equal(t, *job.OnChainTxRef, funded.TxRef)
	assert.Equal(t, clientParty, funded.ClientID)
	assert.Equal(t, freelancerParty, funded.CounterpartyID)
	assert.Equal(t, model.SourceOrchestrator, funded.Source)
	assert.Equal(t, h.clock.Now(), funded.OccurredAt)
}

func TestFeedCancelClosesChannel(t *testing.T) {
	feed := NewFeed(nil)
	changes, cancel := feed.Subscribe(0)
	cancel()
	cancel()

	_, open := <-changes
	assert.False(t, open)
	feed.Publish(context.Background(), model.StatusChange{JobID: uuid.New()})
}

func TestFeedDropsForFullSubscriber(t *testing.T) {
	feed := NewFeed(nil)
	slow, cancelSlow := feed.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := feed.Subscribe(4)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		feed.Publish(context.Background(), model.StatusChange{JobID: uuid.New(), To: model.JobInProgress})
	}
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
}

func TestFeedRelaysThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan model.StatusChange, 16)
	go func() {
		_ = SubscribeRedis(ctx, client, func(c model.StatusChange) { received <- c })
	}()

	feed := NewFeed(client)
	change := model.StatusChange{JobID: uuid.New(), From: model.JobUnderReview, To: model.JobCompleted, Source: model.SourceReconciler}
	require.Eventually(t, func() bool {
		feed.Publish(context.Background(), change)
		return len(received) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := <-received
	assert.Equal(t, change.JobID, got.JobID)
	assert.Equal(t, model.JobCompleted, got.To)
	assert.Equal(t, model.SourceReconciler, got.Source)
}

func TestPublishEnqueuesWebhook(t *testing.T) {
	h := newHarness(t)
	conf := testConfig()
	conf.Notification.Webhook = config.WebhookConfig{Url: "https://hooks.example.com/escrow"}
	h.e.conf = conf

	job := h.fundedJob(t, 500, 1)

	require.Len(t, h.scheduler.webhooks, 2)
	assert.Equal(t, "job.awaiting_funding", h.scheduler.webhooks[0].Event)
	assert.Equal(t, "job.in_progress", h.scheduler.webhooks[1].Event)
	change, ok := h.scheduler.webhooks[1].Payload.(model.StatusChange)
	require.True(t, ok)
	assert.Equal(t, job.ID, change.JobID)
}

func TestRelayDeliversOtherProcessesOnly(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	api := NewFeed(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	worker := NewFeed(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = api.Relay(ctx) }()

	changes, stop := api.Subscribe(16)
	defer stop()

	fromWorker := model.StatusChange{JobID: uuid.New(), From: model.JobInProgress, To: model.JobUnderReview, Source: model.SourceReconciler}
	require.Eventually(t, func() bool {
		worker.Publish(context.Background(), fromWorker)
		return len(changes) > 0
	}, 2*time.Second, 20*time.Millisecond)
	got := <-changes
	assert.Equal(t, fromWorker.JobID, got.JobID)

	local := model.StatusChange{JobID: uuid.New(), To: model.JobCancelled}
	api.Publish(context.Background(), local)

	seen := func() int {
		n := 0
		for len(changes) > 0 {
			if c := <-changes; c.JobID == local.JobID {
				n++
			}
		}
		return n
	}
	count := seen()
	time.Sleep(200 * time.Millisecond)
	count += seen()
	assert.Equal(t, 1, count)
}
