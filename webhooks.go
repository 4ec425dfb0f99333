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
	"fmt"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// NewWebhook is the body posted to the configured webhook url.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

func processHTTP(ctx context.Context, conf *config.Configuration, hook NewWebhook) error {
	var response map[string]interface{}
	err := request.PostJSON(ctx, conf.Notification.Webhook.Url, conf.Notification.Webhook.Headers, hook, &response)
	if err != nil {
		return err
	}
	logrus.WithField("event", hook.Event).Debug("webhook delivered")
	return nil
}

// ProcessWebhook delivers one queued webhook. A failed delivery is retried by asynq.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := processHTTP(ctx, conf, hook); err != nil {
		logrus.WithError(err).WithField("event", hook.Event).Warn("webhook delivery failed")
		return err
	}
	return nil
}
