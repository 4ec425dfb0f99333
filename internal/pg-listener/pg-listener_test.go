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
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleNotification(ctx context.Context, table string, data map[string]interface{}) error {
	args := m.Called(table, data)
	return args.Error(0)
}

func TestNewDBListener_Defaults(t *testing.T) {
	l := NewDBListener(ListenerConfig{PgConnStr: "postgres://localhost/escrow"}, &mockHandler{})
	assert.Equal(t, JobChangesChannel, l.config.Channel)
	assert.Equal(t, 10*time.Second, l.config.MinReconnect)
	assert.Equal(t, time.Minute, l.config.MaxReconnect)
	assert.Equal(t, 90*time.Second, l.config.PingInterval)
}

func TestHandleNotification_Dispatches(t *testing.T) {
	h := &mockHandler{}
	l := NewDBListener(ListenerConfig{}, h)

	h.On("HandleNotification", "jobs", map[string]interface{}{
		"id":             "6f1c0a52-1d7e-4a8e-9a51-5f6c2d1e0b3a",
		"status":         "in_progress",
		"pending_tx_ref": nil,
	}).Return(nil)

	l.handleNotification(context.Background(), &pq.Notification{
		Channel: JobChangesChannel,
		Extra:   `{"table":"jobs","data":{"id":"6f1c0a52-1d7e-4a8e-9a51-5f6c2d1e0b3a","status":"in_progress","pending_tx_ref":null}}`,
	})
	h.AssertExpectations(t)
}

func TestHandleNotification_BadPayload(t *testing.T) {
	h := &mockHandler{}
	l := NewDBListener(ListenerConfig{}, h)

	l.handleNotification(context.Background(), &pq.Notification{Extra: `{not json`})
	h.AssertNotCalled(t, "HandleNotification", mock.Anything, mock.Anything)
}

func TestHandleNotification_HandlerErrorIsLogged(t *testing.T) {
	h := &mockHandler{}
	l := NewDBListener(ListenerConfig{}, h)
	h.On("HandleNotification", "jobs", mock.Anything).Return(errors.New("boom"))

	l.handleNotification(context.Background(), &pq.Notification{Extra: `{"table":"jobs","data":{}}`})
	h.AssertExpectations(t)
}
