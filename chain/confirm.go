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

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var errNotMined = errors.New("transaction not mined yet")

type receiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// pollReceipt polls for a receipt with exponential backoff until it arrives or timeout
// passes. RPC failures are retried; only the deadline ends the wait.
func pollReceipt(ctx context.Context, src receiptSource, hash common.Hash, timeout, interval time.Duration) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 4 * interval
	b.MaxElapsedTime = 0

	var receipt *Receipt
	operation := func() error {
		r, err := src.Receipt(waitCtx, hash)
		if err != nil {
			logrus.WithError(err).WithField("tx_hash", hash.Hex()).Debug("receipt poll failed")
			return err
		}
		if r == nil {
			return errNotMined
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, waitCtx)); err != nil || receipt == nil {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
	}
	return receipt, nil
}
