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

package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// JobChangesChannel is the NOTIFY channel the jobs table trigger publishes on.
const JobChangesChannel = "job_changes"

type NotificationHandler interface {
	HandleNotification(ctx context.Context, table string, data map[string]interface{}) error
}

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	// MinReconnect and MaxReconnect bound the pq.Listener reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// PingInterval is how long the listener may stay idle before it pings the server.
	PingInterval time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string                 `json:"table"`
	Data  map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.Channel == "" {
		config.Channel = JobChangesChannel
	}
	if config.MinReconnect <= 0 {
		config.MinReconnect = 10 * time.Second
	}
	if config.MaxReconnect <= 0 {
		config.MaxReconnect = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{config: config, handler: handler}
}

// Start blocks dispatching notifications until ctx is cancelled.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnect, d.config.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("event", ev).Warn("postgres listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.Infof("listening for postgres notifications on channel '%s'", d.config.Channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			// pq delivers nil after a reconnect; changes may have been missed.
			if n == nil {
				d.dispatch(ctx, &NotificationPayload{Table: "reconnect"})
				continue
			}
			d.handleNotification(ctx, n)
		case <-time.After(d.config.PingInterval):
			if err := listener.Ping(); err != nil {
				logrus.WithError(err).Warn("postgres listener ping failed")
			}
		}
	}
}

func (d *DBListener) handleNotification(ctx context.Context, n *pq.Notification) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
		logrus.WithError(err).Error("error unmarshalling notification payload")
		return
	}
	d.dispatch(ctx, &payload)
}

func (d *DBListener) dispatch(ctx context.Context, payload *NotificationPayload) {
	if err := d.handler.HandleNotification(ctx, payload.Table, payload.Data); err != nil {
		logrus.WithError(err).WithField("table", payload.Table).Error("error handling notification")
	}
}
