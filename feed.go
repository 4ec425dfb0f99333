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
	"encoding/json"
	"sync"

	"github.com/blnkfinance/escrow/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// StatusChannel is the Redis pub/sub channel carrying status changes tagged with the publishing feed.
const StatusChannel = "escrow:job_status"

const defaultSubscriberBuffer = 64

// Feed fans job status changes out to in-process subscribers and, when Redis is
// configured, to other processes. Slow subscribers lose changes rather than block writers.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan model.StatusChange
	nextID int
	redis  redis.UniversalClient
	origin string
}

type relayMessage struct {
	Origin string             `json:"origin"`
	Change model.StatusChange `json:"change"`
}

func NewFeed(client redis.UniversalClient) *Feed {
	return &Feed{subs: make(map[int]chan model.StatusChange), redis: client, origin: uuid.NewString()}
}

// Subscribe returns a channel of changes and a cancel func that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan model.StatusChange, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan model.StatusChange, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many in-process subscribers are attached.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) Publish(ctx context.Context, change model.StatusChange) {
	f.deliver(change)

	if f.redis == nil {
		return
	}
	payload, err := json.Marshal(relayMessage{Origin: f.origin, Change: change})
	if err != nil {
		logrus.WithError(err).Error("marshal status change")
		return
	}
	if err := f.redis.Publish(ctx, StatusChannel, payload).Err(); err != nil {
		logrus.WithError(err).WithField("job_id", change.JobID.String()).Warn("publish status change to redis")
	}
}

func (f *Feed) deliver(change model.StatusChange) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- change:
		default:
			logrus.WithField("job_id", change.JobID.String()).Warn("status subscriber is full, dropping change")
		}
	}
}

// Relay hands changes published by other processes to this feed's subscribers
// until ctx ends. Changes this feed published itself are skipped.
func (f *Feed) Relay(ctx context.Context) error {
	if f.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return subscribeRedis(ctx, f.redis, func(msg relayMessage) {
		if msg.Origin == f.origin {
			return
		}
		f.deliver(msg.Change)
	})
}

// SubscribeRedis relays changes published by any instance until ctx ends.
func SubscribeRedis(ctx context.Context, client redis.UniversalClient, handle func(model.StatusChange)) error {
	return subscribeRedis(ctx, client, func(msg relayMessage) { handle(msg.Change) })
}

func subscribeRedis(ctx context.Context, client redis.UniversalClient, handle func(relayMessage)) error {
	sub := client.Subscribe(ctx, StatusChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var relayed relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				logrus.WithError(err).Warn("malformed status change on redis")
				continue
			}
			handle(relayed)
		}
	}
}

func (e *Escrow) publish(ctx context.Context, change model.StatusChange) {
	e.feed.Publish(ctx, change)
	if e.scheduler == nil || e.conf.Notification.Webhook.Url == "" {
		return
	}
	if err := e.scheduler.EnqueueWebhook(ctx, NewWebhook{Event: change.EventName(), Payload: change}); err != nil {
		logrus.WithError(err).WithField("job_id", change.JobID.String()).Warn("enqueue status webhook")
	}
}
