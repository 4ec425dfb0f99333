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
	"strings"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("escrow.chain")

// EVMClient is the subset of the Ethereum RPC the gateway uses. *ethclient.Client satisfies it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// GatewayOptions configures an EVMGateway.
type GatewayOptions struct {
	Escrow        common.Address
	ChainID       *big.Int
	GasLimit      uint64
	PollInterval  time.Duration
	Confirmations uint64
}

// EVMGateway implements Gateway against an EVM JSON-RPC endpoint.
type EVMGateway struct {
	client EVMClient
	opts   GatewayOptions
}

func NewEVMGateway(client EVMClient, opts GatewayOptions) (*EVMGateway, error) {
	if client == nil {
		return nil, errors.New("evm client required")
	}
	if opts.Escrow == (common.Address{}) {
		return nil, errors.New("escrow contract address required")
	}
	if opts.ChainID == nil || opts.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	return &EVMGateway{client: client, opts: opts}, nil
}

// Dial connects to the configured RPC endpoint. A zero chain id is read from the node.
func Dial(ctx context.Context, cfg config.ChainConfig) (*EVMGateway, error) {
	endpoint := strings.TrimSpace(cfg.RPCUrl)
	if endpoint == "" {
		return nil, errors.New("chain rpc url required")
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.EscrowContract)
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "dial chain rpc")
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "read chain id")
		}
	}
	return NewEVMGateway(client, GatewayOptions{
		Escrow:        common.HexToAddress(cfg.EscrowContract),
		ChainID:       chainID,
		GasLimit:      cfg.GasLimit,
		PollInterval:  time.Duration(cfg.PollIntervalSec) * time.Second,
		Confirmations: cfg.Confirmations,
	})
}

func (g *EVMGateway) EscrowAddress() common.Address { return g.opts.Escrow }

func (g *EVMGateway) GetJob(ctx context.Context, jobID *big.Int) (*JobView, error) {
	ctx, span := tracer.Start(ctx, "GetJob", trace.WithAttributes(attribute.String("chain.job_id", jobID.String())))
	defer span.End()

	out, err := g.call(ctx, "getJob", g.opts.Escrow, escrowABI.Pack, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	values, err := escrowABI.Unpack("getJob", out)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "decode getJob")
	}
	return decodeJobView(values)
}

func decodeJobView(values []interface{}) (*JobView, error) {
	if len(values) != 12 {
		return nil, fmt.Errorf("getJob returned %d values", len(values))
	}
	view := &JobView{}
	var ok bool
	fail := func(i int) (*JobView, error) {
		return nil, fmt.Errorf("getJob value %d has unexpected type %T", i, values[i])
	}
	if view.Exists, ok = values[0].(bool); !ok {
		return fail(0)
	}
	if view.Client, ok = values[1].(common.Address); !ok {
		return fail(1)
	}
	if view.Freelancer, ok = values[2].(common.Address); !ok {
		return fail(2)
	}
	if view.Token, ok = values[3].(common.Address); !ok {
		return fail(3)
	}
	if view.Amount, ok = values[4].(*big.Int); !ok {
		return fail(4)
	}
	status, ok := values[5].(uint8)
	if !ok {
		return fail(5)
	}
	view.Status = ChainStatus(status)
	if view.SubmissionDeadline, ok = values[6].(uint64); !ok {
		return fail(6)
	}
	if view.ReviewDeadline, ok = values[7].(uint64); !ok {
		return fail(7)
	}
	if view.ApprovalDeadline, ok = values[8].(uint64); !ok {
		return fail(8)
	}
	if view.AllowedRevisions, ok = values[9].(uint8); !ok {
		return fail(9)
	}
	if view.CurrentRevision, ok = values[10].(uint8); !ok {
		return fail(10)
	}
	if view.RequiresStake, ok = values[11].(bool); !ok {
		return fail(11)
	}
	return view, nil
}

func (g *EVMGateway) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return g.tokenUint(ctx, token, "balanceOf", owner)
}

func (g *EVMGateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return g.tokenUint(ctx, token, "allowance", owner, spender)
}

func (g *EVMGateway) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := g.call(ctx, "decimals", token, erc20ABI.Pack)
	if err != nil {
		return 0, err
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, errors.Wrap(err, "decode decimals")
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("decimals returned %d values", len(values))
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", values[0])
	}
	return d, nil
}

func (g *EVMGateway) tokenUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := g.call(ctx, method, token, erc20ABI.Pack, args...)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

type packFunc func(name string, args ...interface{}) ([]byte, error)

func (g *EVMGateway) call(ctx context.Context, method string, to common.Address, pack packFunc, args ...interface{}) ([]byte, error) {
	data, err := pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	return out, nil
}

func (g *EVMGateway) Simulate(ctx context.Context, signer Signer, c Call) error {
	ctx, span := tracer.Start(ctx, "Simulate", trace.WithAttributes(attribute.String("chain.call", c.String())))
	defer span.End()

	to, data, err := c.pack(g.opts.Escrow)
	if err != nil {
		return errors.Wrapf(err, "pack %s", c.Method)
	}
	_, err = g.client.CallContract(ctx, ethereum.CallMsg{From: signer.Address(), To: &to, Data: data}, nil)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if reason, ok := revertFromError(err); ok {
		return ClassifyRevert(reason)
	}
	return errors.Wrapf(err, "simulate %s", c.Method)
}

func (g *EVMGateway) Send(ctx context.Context, signer Signer, c Call) (common.Hash, error) {
	ctx, span := tracer.Start(ctx, "Send", trace.WithAttributes(attribute.String("chain.call", c.String())))
	defer span.End()

	to, data, err := c.pack(g.opts.Escrow)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "pack %s", c.Method)
	}
	from := signer.Address()
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}
	fees, err := g.suggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasFeeCap: fees.feeCap, GasTipCap: fees.tipCap, GasPrice: fees.gasPrice, Data: data})
	if err != nil {
		if reason, ok := revertFromError(err); ok {
			span.RecordError(err)
			return common.Hash{}, ClassifyRevert(reason)
		}
		if g.opts.GasLimit == 0 {
			span.RecordError(err)
			return common.Hash{}, errors.Wrapf(err, "estimate gas for %s", c.Method)
		}
		gas = g.opts.GasLimit
	}
	if g.opts.GasLimit > 0 && gas > g.opts.GasLimit {
		gas = g.opts.GasLimit
	}

	tx := fees.tx(nonce, to, gas, data)
	signed, err := signer.SignTx(ctx, tx, g.opts.ChainID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		span.RecordError(err)
		return common.Hash{}, errors.Wrapf(err, "send %s", c.Method)
	}
	span.SetAttributes(attribute.String("chain.tx_hash", signed.Hash().Hex()))
	return signed.Hash(), nil
}

// txFees is an EIP-1559 fee pair, or a legacy gas price on chains without a base fee.
type txFees struct {
	tipCap   *big.Int
	feeCap   *big.Int
	gasPrice *big.Int
}

func (g *EVMGateway) suggestFees(ctx context.Context) (txFees, error) {
	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return txFees{}, errors.Wrap(err, "fetch head")
	}
	if head == nil || head.BaseFee == nil {
		gasPrice, err := g.client.SuggestGasPrice(ctx)
		if err != nil {
			return txFees{}, errors.Wrap(err, "suggest gas price")
		}
		return txFees{gasPrice: gasPrice}, nil
	}
	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return txFees{}, errors.Wrap(err, "suggest gas tip cap")
	}
	// fee cap leaves room for the base fee to double before the tx is priced out
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return txFees{tipCap: tip, feeCap: feeCap}, nil
}

func (f txFees) tx(nonce uint64, to common.Address, gas uint64, data []byte) *types.Transaction {
	if f.gasPrice != nil {
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: f.gasPrice, Data: data})
	}
	return types.NewTx(&types.DynamicFeeTx{Nonce: nonce, To: &to, Gas: gas, GasTipCap: f.tipCap, GasFeeCap: f.feeCap, Data: data})
}

func (g *EVMGateway) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fetch receipt")
	}
	if receipt == nil {
		return nil, nil
	}
	if g.opts.Confirmations > 1 && receipt.BlockNumber != nil {
		head, err := g.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "fetch head")
		}
		if head == nil || head.Number == nil {
			return nil, nil
		}
		depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
		depth.Add(depth, big.NewInt(1))
		if depth.Cmp(new(big.Int).SetUint64(g.opts.Confirmations)) < 0 {
			return nil, nil
		}
	}
	out := &Receipt{TxHash: hash, Success: receipt.Status == types.ReceiptStatusSuccessful}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (g *EVMGateway) LookupCall(ctx context.Context, hash common.Hash) (*SentCall, error) {
	tx, _, err := g.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fetch transaction")
	}
	if tx == nil || tx.To() == nil || *tx.To() != g.opts.Escrow {
		return nil, nil
	}
	call, err := decodeEscrowCall(tx.Data())
	if err != nil {
		return nil, errors.Wrapf(err, "decode transaction %s", hash.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(g.opts.ChainID), tx)
	if err != nil {
		return nil, errors.Wrap(err, "recover transaction sender")
	}
	return &SentCall{From: from, Call: call}, nil
}

func (g *EVMGateway) WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "WaitConfirmed", trace.WithAttributes(attribute.String("chain.tx_hash", hash.Hex())))
	defer span.End()

	receipt, err := pollReceipt(ctx, g, hash, timeout, g.opts.PollInterval)
	if err != nil {
		span.RecordError(err)
	}
	return receipt, err
}
