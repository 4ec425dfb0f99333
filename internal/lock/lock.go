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

package redlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock is already held")

// Locker is a single-key Redis lock. The holder token makes release and
// extension safe against a lock that expired and was taken by someone else.
type Locker struct {
	client redis.UniversalClient
	key    string
	holder string
}

func NewLocker(client redis.UniversalClient, key, holder string) *Locker {
	return &Locker{client: client, key: key, holder: holder}
}

// ForJob returns a lock serialising one operation kind on a job, e.g. funding.
func ForJob(client redis.UniversalClient, operation string, jobID uuid.UUID) *Locker {
	return NewLocker(client, JobKey(operation, jobID), uuid.NewString())
}

func JobKey(operation string, jobID uuid.UUID) string {
	return fmt.Sprintf("escrow:lock:%s:%s", operation, jobID)
}

func (l *Locker) Key() string { return l.key }

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.holder).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, lock %s expired or is held by another holder", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.holder, strconv.FormatInt(extension.Milliseconds(), 10)).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("extend failed, lock %s expired or is held by another holder", l.key)
	}
	return nil
}

// WaitLock retries Lock with backoff until it succeeds, wait elapses or ctx ends.
func (l *Locker) WaitLock(ctx context.Context, ttl, wait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = wait

	err := backoff.Retry(func() error {
		err := l.Lock(ctx, ttl)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, ErrLockHeld) {
		return fmt.Errorf("failed to acquire lock %s within %s: %w", l.key, wait, err)
	}
	return err
}
