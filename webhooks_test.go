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
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/blnkfinance/escrow/config"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookURL = "https://hooks.example.com/escrow"

func webhookConfig() *config.Configuration {
	conf := testConfig()
	conf.Notification.Webhook = config.WebhookConfig{Url: webhookURL, Headers: map[string]string{"X-Escrow-Signature": "s3cret"}}
	return conf
}

func TestProcessWebhook(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(webhookConfig())

	var body map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, webhookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "s3cret", req.Header.Get("X-Escrow-Signature"))
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &body)
		return httpmock.NewStringResponse(200, `{"ok":true}`), nil
	})

	payload, err := json.Marshal(NewWebhook{Event: "job.completed", Payload: map[string]string{"job_id": "42"}})
	require.NoError(t, err)
	require.NoError(t, ProcessWebhook(context.Background(), asynq.NewTask("escrow_webhook", payload)))

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, "job.completed", body["event"])
	assert.Equal(t, map[string]interface{}{"job_id": "42"}, body["data"])
}

func TestProcessWebhookFailureRetries(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(webhookConfig())
	httpmock.RegisterResponder(http.MethodPost, webhookURL, httpmock.NewStringResponder(503, "unavailable"))

	payload, _ := json.Marshal(NewWebhook{Event: "job.disputed"})
	err := ProcessWebhook(context.Background(), asynq.NewTask("escrow_webhook", payload))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessWebhookBadPayload(t *testing.T) {
	config.MockConfig(webhookConfig())
	err := ProcessWebhook(context.Background(), asynq.NewTask("escrow_webhook", []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessWebhookWithoutURL(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(testConfig())

	payload, _ := json.Marshal(NewWebhook{Event: "job.completed"})
	require.NoError(t, ProcessWebhook(context.Background(), asynq.NewTask("escrow_webhook", payload)))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
