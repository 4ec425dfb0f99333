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
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer authorises transactions on behalf of one party. Every gateway write takes one
// explicitly; there is no ambient wallet.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory private key. Intended for the platform arbitrator
// key and for development keyrings.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse signer key")
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SignerProvider resolves the signer acting for a party.
type SignerProvider interface {
	SignerFor(ctx context.Context, partyID string) (Signer, error)
}

// ErrUnknownSigner is returned when no signer is registered for a party.
var ErrUnknownSigner = errors.New("no signer registered for party")

// Keyring is a static party id to signer map.
type Keyring struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

func NewKeyring() *Keyring {
	return &Keyring{signers: make(map[string]Signer)}
}

// KeyringFromHex builds a keyring from party id to hex private key pairs.
func KeyringFromHex(keys map[string]string) (*Keyring, error) {
	ring := NewKeyring()
	for party, hexKey := range keys {
		s, err := NewKeySigner(hexKey)
		if err != nil {
			return nil, fmt.Errorf("signer for %s: %w", party, err)
		}
		ring.Add(party, s)
	}
	return ring, nil
}

func (k *Keyring) Add(partyID string, s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[partyID] = s
}

func (k *Keyring) SignerFor(_ context.Context, partyID string) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[partyID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownSigner, partyID)
	}
	return s, nil
}
