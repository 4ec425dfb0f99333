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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DecodeEvent turns an escrow contract log into an Event keyed by numeric job id.
func DecodeEvent(l types.Log) (Event, error) {
	if len(l.Topics) < 2 {
		return Event{}, fmt.Errorf("log %s has %d topics", l.TxHash.Hex(), len(l.Topics))
	}
	ev, err := escrowABI.EventByID(l.Topics[0])
	if err != nil {
		return Event{}, errors.Wrap(err, "unknown escrow event")
	}
	return Event{
		Name:        ev.Name,
		ChainJobID:  new(big.Int).SetBytes(l.Topics[1].Bytes()),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		Removed:     l.Removed,
	}, nil
}

// Subscribe streams decoded escrow events into sink until ctx ends or the underlying
// subscription fails. Requires a websocket or IPC endpoint.
func (g *EVMGateway) Subscribe(ctx context.Context, sink chan<- Event) (ethereum.Subscription, error) {
	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{Addresses: []common.Address{g.opts.Escrow}}
	sub, err := g.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe escrow logs")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					logrus.WithError(err).Error("escrow log subscription dropped")
				}
				return
			case l := <-logs:
				evt, err := DecodeEvent(l)
				if err != nil {
					logrus.WithError(err).Debug("skipping escrow log")
					continue
				}
				select {
				case sink <- evt:
				case <-ctx.Done():
					sub.Unsubscribe()
					return
				}
			}
		}
	}()
	return sub, nil
}
