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
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/escrow/chain"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory IDataSource with the same compare-and-set semantics as Postgres.
type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*model.Job
	history   []model.StatusHistory
	revisions []model.Revision
	disputes  []*model.Dispute
	mutations int
}

var _ database.IDataSource = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*model.Job)}
}

func copyJob(j *model.Job) *model.Job {
	c := *j
	return &c
}

func (m *memStore) CreateJob(_ context.Context, job *model.Job) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Job with this ID already exists", nil)
	}
	job.Status = model.JobAwaitingFunding
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = copyJob(job)
	m.history = append(m.history, model.StatusHistory{JobID: job.ID, To: job.Status, Source: model.SourceOrchestrator})
	m.mutations++
	return copyJob(job), nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("job with ID '%s' not found", id), nil)
	}
	return copyJob(j), nil
}

func (m *memStore) GetJobsByChainID(_ context.Context, chainJobID string) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.ChainJobID == chainJobID {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (m *memStore) pendingDisputeLocked(jobID uuid.UUID) *model.Dispute {
	for _, d := range m.disputes {
		if d.JobID == jobID && d.Status == model.DisputePending {
			return d
		}
	}
	return nil
}

func (m *memStore) TransitionJob(_ context.Context, id uuid.UUID, t model.JobTransition) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != t.From {
		return nil, database.ErrStatusConflict
	}
	if t.Revision != nil {
		for _, r := range m.revisions {
			if r.JobID == id && r.RevisionNumber == t.Revision.RevisionNumber {
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Revision already recorded", nil)
			}
		}
	}
	if t.OpenDispute != nil && m.pendingDisputeLocked(id) != nil {
		return nil, database.ErrDisputeExists
	}
	var closing *model.Dispute
	if t.CloseDispute != nil {
		closing = m.pendingDisputeLocked(id)
		if closing == nil || closing.ID != t.CloseDispute.ID {
			return nil, database.ErrNoPendingDispute
		}
	}

	j.Status = t.To
	j.UpdatedAt = time.Now().UTC()
	if t.TxRef != nil {
		ref := *t.TxRef
		j.OnChainTxRef = &ref
	}
	if t.ClearPending {
		j.PendingTxRef = nil
	}
	if t.Deadlines != nil {
		if t.Deadlines.Submission != nil {
			j.SubmissionDeadline = t.Deadlines.Submission
		}
		if t.Deadlines.Review != nil {
			j.ReviewDeadline = t.Deadlines.Review
		}
		if t.Deadlines.Approval != nil {
			j.ApprovalDeadline = t.Deadlines.Approval
		}
	}
	if t.RevisionNumber != nil {
		j.CurrentRevisionNumber = *t.RevisionNumber
	}
	if t.RevisionNotes != nil {
		j.RevisionNotes = *t.RevisionNotes
	}
	if t.Payout != nil {
		j.ReleasedAmount = t.Payout.Counterparty
		j.PlatformFeeAmount = t.Payout.Platform
	}
	m.history = append(m.history, model.StatusHistory{JobID: id, From: t.From, To: t.To, TxRef: t.TxRef, Source: t.Source})
	if t.Revision != nil {
		rev := *t.Revision
		rev.SubmittedAt = time.Now().UTC()
		m.revisions = append(m.revisions, rev)
	}
	if t.OpenDispute != nil {
		d := *t.OpenDispute
		if d.ID == "" {
			d.ID = model.GenerateUUIDWithSuffix("dsp")
		}
		d.Status = model.DisputePending
		d.CreatedAt = time.Now().UTC()
		m.disputes = append(m.disputes, &d)
	}
	if closing != nil {
		*closing = *t.CloseDispute
		closing.Status = model.DisputeResolved
		now := time.Now().UTC()
		closing.ResolvedAt = &now
	}
	m.mutations++
	return copyJob(j), nil
}

func (m *memStore) SetPendingTx(_ context.Context, id uuid.UUID, status model.JobStatus, txRef *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != status {
		return database.ErrStatusConflict
	}
	if txRef == nil {
		j.PendingTxRef = nil
	} else {
		ref := *txRef
		j.PendingTxRef = &ref
	}
	m.mutations++
	return nil
}

func (m *memStore) GetNonTerminalJobs(_ context.Context, after uuid.UUID, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() && bytes.Compare(j.ID[:], after[:]) > 0 {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return bytes.Compare(out[a].ID[:], out[b].ID[:]) < 0 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetJobsDueForAutoRelease(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.Status == model.JobUnderReview && j.ApprovalDeadline != nil && !j.ApprovalDeadline.After(now) {
			out = append(out, copyJob(j))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetRevisions(_ context.Context, jobID uuid.UUID) ([]model.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Revision{}
	for _, r := range m.revisions {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetPendingDispute(_ context.Context, jobID uuid.UUID) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.pendingDisputeLocked(jobID); d != nil {
		c := *d
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) GetDisputes(_ context.Context, jobID uuid.UUID) ([]*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Dispute{}
	for _, d := range m.disputes {
		if d.JobID == jobID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) GetStatusHistory(_ context.Context, jobID uuid.UUID) ([]model.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.StatusHistory{}
	for _, h := range m.history {
		if h.JobID == jobID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) statusSequence(jobID uuid.UUID) []model.JobStatus {
	h, _ := m.GetStatusHistory(context.Background(), jobID)
	seq := make([]model.JobStatus, 0, len(h))
	for _, entry := range h {
		seq = append(seq, entry.To)
	}
	return seq
}

func (m *memStore) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

type sentTx struct {
	call   chain.Call
	signer common.Address
}

// fakeContract is an in-memory escrow contract and ERC-20 token behind chain.Gateway.
type fakeContract struct {
	mu          sync.Mutex
	escrow      common.Address
	now         func() time.Time
	jobs        map[string]*chain.JobView
	balances    map[string]*big.Int
	allowances  map[string]*big.Int
	decimals    uint8
	simulateErr map[string]error
	revertSend  map[string]bool
	hold        bool
	sent        []sentTx
	txs         map[common.Hash]*sentTx
	held        map[common.Hash]bool
	reverted    map[common.Hash]bool
	nonce       int
	sink        chan<- chain.Event
}

var _ chain.Gateway = (*fakeContract)(nil)

func newFakeContract(now func() time.Time) *fakeContract {
	return &fakeContract{
		escrow:      common.HexToAddress("0x00000000000000000000000000000000000e5c40"),
		now:         now,
		jobs:        make(map[string]*chain.JobView),
		balances:    make(map[string]*big.Int),
		allowances:  make(map[string]*big.Int),
		decimals:    6,
		simulateErr: make(map[string]error),
		revertSend:  make(map[string]bool),
		txs:         make(map[common.Hash]*sentTx),
		held:        make(map[common.Hash]bool),
		reverted:    make(map[common.Hash]bool),
	}
}

func balanceKey(token, owner common.Address) string { return token.Hex() + owner.Hex() }

func allowanceKey(token, owner, spender common.Address) string {
	return token.Hex() + owner.Hex() + spender.Hex()
}

func (f *fakeContract) setBalance(token, owner common.Address, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(token, owner)] = big.NewInt(v)
}

func (f *fakeContract) setAllowance(token, owner common.Address, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[allowanceKey(token, owner, f.escrow)] = big.NewInt(v)
}

func (f *fakeContract) view(chainID string) *chain.JobView {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.jobs[chainID]; ok {
		c := *v
		return &c
	}
	return nil
}

func (f *fakeContract) setView(chainID string, v *chain.JobView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[chainID] = v
}

func (f *fakeContract) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.call.Method)
	}
	return out
}

func (f *fakeContract) countSent(method string) int {
	n := 0
	for _, m := range f.sentMethods() {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeContract) EscrowAddress() common.Address { return f.escrow }

func (f *fakeContract) GetJob(_ context.Context, jobID *big.Int) (*chain.JobView, error) {
	if v := f.view(jobID.String()); v != nil {
		return v, nil
	}
	return &chain.JobView{Amount: big.NewInt(0)}, nil
}

func (f *fakeContract) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.balances[balanceKey(token, owner)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeContract) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.allowances[allowanceKey(token, owner, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeContract) Decimals(context.Context, common.Address) (uint8, error) { return f.decimals, nil }

func (f *fakeContract) Simulate(_ context.Context, _ chain.Signer, call chain.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.simulateErr[call.Method]; ok {
		return err
	}
	return f.checkLocked(call)
}

// checkLocked mirrors the contract's state guards closely enough for the flows under test.
func (f *fakeContract) checkLocked(call chain.Call) error {
	if call.IsTokenCall() {
		return nil
	}
	v, exists := f.jobs[call.JobID.String()]
	want := map[string][]chain.ChainStatus{
		"submitWork":         {chain.ChainFunded},
		"submitRevision":     {chain.ChainRevisionRequested},
		"requestRevision":    {chain.ChainSubmitted},
		"approveJob":         {chain.ChainSubmitted},
		"autoReleasePayment": {chain.ChainSubmitted},
		"raiseDispute":       {chain.ChainFunded, chain.ChainSubmitted, chain.ChainRevisionRequested},
		"resolveDispute":     {chain.ChainDisputed},
		"reclaimFunds":       {chain.ChainFunded},
	}
	if call.Method == "fundJob" {
		if exists {
			return chain.ClassifyRevert("JobAlreadyExists()")
		}
		return nil
	}
	if !exists {
		return chain.ClassifyRevert("job does not exist")
	}
	for _, s := range want[call.Method] {
		if v.Status == s {
			return nil
		}
	}
	return chain.ClassifyRevert(fmt.Sprintf("InvalidJobState(%d)", v.Status))
}

func (f *fakeContract) Send(_ context.Context, signer chain.Signer, call chain.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := common.BigToHash(big.NewInt(int64(0xabc000 + f.nonce)))
	tx := &sentTx{call: call, signer: signer.Address()}
	f.sent = append(f.sent, *tx)
	f.txs[hash] = tx
	if f.hold {
		f.held[hash] = true
		return hash, nil
	}
	f.settleLocked(hash)
	return hash, nil
}

func (f *fakeContract) settleLocked(hash common.Hash) {
	tx := f.txs[hash]
	delete(f.held, hash)
	if f.revertSend[tx.call.Method] || f.checkLocked(tx.call) != nil {
		f.reverted[hash] = true
		return
	}
	f.applyLocked(tx, hash)
}

// mine confirms a held transaction.
func (f *fakeContract) mine(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleLocked(hash)
}

func (f *fakeContract) applyLocked(tx *sentTx, hash common.Hash) {
	call := tx.call
	if call.IsTokenCall() {
		spender := call.Args[0].(common.Address)
		f.allowances[allowanceKey(call.Token, tx.signer, spender)] = new(big.Int).Set(call.Args[1].(*big.Int))
		return
	}
	id := call.JobID.String()
	now := uint64(f.now().Unix())
	v := f.jobs[id]
	event := ""
	switch call.Method {
	case "fundJob":
		v = &chain.JobView{
			Exists:             true,
			Client:             tx.signer,
			Freelancer:         call.Args[1].(common.Address),
			Token:              call.Args[2].(common.Address),
			Amount:             new(big.Int).Set(call.Args[3].(*big.Int)),
			Status:             chain.ChainFunded,
			SubmissionDeadline: now + 7*86400,
			RequiresStake:      call.Args[4].(bool),
			AllowedRevisions:   call.Args[5].(uint8),
		}
		f.jobs[id] = v
		event = "JobFunded"
	case "submitWork", "submitRevision":
		if call.Method == "submitRevision" {
			v.CurrentRevision++
		}
		v.Status = chain.ChainSubmitted
		v.ReviewDeadline = now + 3*86400
		v.ApprovalDeadline = now + 5*86400
		event = "WorkSubmitted"
	case "requestRevision":
		v.Status = chain.ChainRevisionRequested
		event = "RevisionRequested"
	case "approveJob", "autoReleasePayment":
		v.Status = chain.ChainCompleted
		event = "JobApproved"
	case "raiseDispute":
		v.Status = chain.ChainDisputed
		event = "DisputeRaised"
	case "resolveDispute":
		v.Status = chain.ChainResolved
		event = "DisputeResolved"
	case "reclaimFunds":
		v.Status = chain.ChainRefunded
		event = "FundsReclaimed"
	}
	if f.sink != nil && event != "" {
		select {
		case f.sink <- chain.Event{Name: event, ChainJobID: call.JobID, TxHash: hash}:
		default:
		}
	}
}

func (f *fakeContract) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[hash]; !ok || f.held[hash] {
		return nil, nil
	}
	return &chain.Receipt{TxHash: hash, BlockNumber: 1, Success: !f.reverted[hash]}, nil
}

func (f *fakeContract) WaitConfirmed(ctx context.Context, hash common.Hash, _ time.Duration) (*chain.Receipt, error) {
	r, err := f.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, hash.Hex())
	}
	if !r.Success {
		return r, chain.ErrTxReverted
	}
	return r, nil
}

func (f *fakeContract) LookupCall(_ context.Context, hash common.Hash) (*chain.SentCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok || tx.call.IsTokenCall() {
		return nil, nil
	}
	return &chain.SentCall{From: tx.signer, Call: tx.call}, nil
}

// emit delivers ev to the active subscription, reporting whether one exists.
func (f *fakeContract) emit(ev chain.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink == nil {
		return false
	}
	f.sink <- ev
	return true
}

// advance moves a chain job to status as if another client had called the contract.
func (f *fakeContract) advance(chainID string, status chain.ChainStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.jobs[chainID]
	v.Status = status
	if status == chain.ChainSubmitted {
		now := uint64(f.now().Unix())
		v.ReviewDeadline = now + 3*86400
		v.ApprovalDeadline = now + 5*86400
	}
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

func (f *fakeContract) Subscribe(_ context.Context, sink chan<- chain.Event) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return &fakeSub{errCh: make(chan error)}, nil
}

// fakeScheduler records deferred work instead of queueing it.
type fakeScheduler struct {
	mu           sync.Mutex
	autoReleases map[uuid.UUID]time.Time
	reconciles   []uuid.UUID
	webhooks     []NewWebhook
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{autoReleases: make(map[uuid.UUID]time.Time)}
}

func (s *fakeScheduler) ScheduleAutoRelease(_ context.Context, jobID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReleases[jobID] = at
	return nil
}

func (s *fakeScheduler) EnqueueReconcile(_ context.Context, jobID uuid.UUID, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles = append(s.reconciles, jobID)
	return nil
}

func (s *fakeScheduler) EnqueueWebhook(_ context.Context, hook NewWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, hook)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	e          *Escrow
	store      *memStore
	contract   *fakeContract
	scheduler  *fakeScheduler
	clock      *testClock
	token      common.Address
	client     chain.Signer
	freelancer chain.Signer
}

const (
	clientParty     = "client-1"
	freelancerParty = "freelancer-1"
	arbitratorID    = "arbitrator-jane"
)

func mustSigner(t *testing.T) *chain.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := chain.NewKeySigner(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Escrow Test",
		Chain:       config.ChainConfig{IDWidthBits: 64},
		Escrow: config.EscrowConfig{
			PlatformFeeBps:        200,
			ArbitrationDepositBps: 500,
			ApproveTimeout:        time.Second,
			FundingTimeout:        time.Second,
			ActionTimeout:         time.Second,
			ReleaseTimeout:        time.Second,
			DisputeTimeout:        time.Second,
			FundingLockTTL:        time.Minute,
		},
		Queue: config.QueueConfig{
			AutoReleaseQueue: "escrow_auto_release",
			ReconcileQueue:   "escrow_reconcile",
			WebhookQueue:     "escrow_webhook",
			MaxRetryAttempts: 3,
		},
		Reconciliation: config.ReconciliationConfig{Interval: time.Minute, BatchSize: 2, Concurrency: 2},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	config.MockConfig(testConfig())
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	contract := newFakeContract(clock.Now)
	store := newMemStore()
	scheduler := newFakeScheduler()

	client, freelancer, platform, arbitrator := mustSigner(t), mustSigner(t), mustSigner(t), mustSigner(t)
	keyring := chain.NewKeyring()
	keyring.Add(clientParty, client)
	keyring.Add(freelancerParty, freelancer)
	keyring.Add(PartyPlatform, platform)
	keyring.Add(PartyArbitrator, arbitrator)

	opts = append([]Option{WithScheduler(scheduler), withClock(clock.Now)}, opts...)
	e, err := NewEscrow(store, contract, keyring, opts...)
	require.NoError(t, err)
	return &harness{
		e:          e,
		store:      store,
		contract:   contract,
		scheduler:  scheduler,
		clock:      clock,
		token:      common.HexToAddress("0x00000000000000000000000000000000000070c3"),
		client:     client,
		freelancer: freelancer,
	}
}

// newJob creates an awaiting_funding job and gives the client enough balance and allowance.
func (h *harness) newJob(t *testing.T, amount int64, revisions int) *model.Job {
	return h.newJobWith(t, amount, revisions, nil)
}

func (h *harness) newJobWith(t *testing.T, amount int64, revisions int, mutate func(*model.Job)) *model.Job {
	t.Helper()
	terms := &model.Job{
		ClientID:            clientParty,
		CounterpartyID:      freelancerParty,
		ClientAddress:       h.client.Address().Hex(),
		CounterpartyAddress: h.freelancer.Address().Hex(),
		Token:               h.token.Hex(),
		Amount:              big.NewInt(amount),
		AllowedRevisions:    revisions,
		ListingRef:          ptr(gofakeit.URL()),
	}
	if mutate != nil {
		mutate(terms)
	}
	job, err := h.e.CreateJob(context.Background(), terms)
	require.NoError(t, err)
	h.contract.setBalance(h.token, h.client.Address(), amount*10)
	h.contract.setAllowance(h.token, h.client.Address(), amount*10)
	return job
}

// fundedJob runs the funding protocol and requires it to succeed.
func (h *harness) fundedJob(t *testing.T, amount int64, revisions int) *model.Job {
	t.Helper()
	job := h.newJob(t, amount, revisions)
	out, err := h.e.FundJob(context.Background(), job.ID, clientParty)
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), "funding: %+v", out)
	return out.Job
}

func (h *harness) submittedJob(t *testing.T, amount int64, revisions int) *model.Job {
	t.Helper()
	job := h.fundedJob(t, amount, revisions)
	out, err := h.e.SubmitWork(context.Background(), job.ID, freelancerParty, Submission{DeliverableRef: "ipfs://work-v0"})
	require.NoError(t, err)
	require.True(t, out.IsSuccess(), "submit: %+v", out)
	return out.Job
}

// lastHash is the hash of the most recently sent transaction.
func (h *harness) lastHash() common.Hash {
	h.contract.mu.Lock()
	defer h.contract.mu.Unlock()
	var last common.Hash
	for hash := range h.contract.txs {
		if hash.Big().Cmp(last.Big()) > 0 {
			last = hash
		}
	}
	return last
}

func (h *harness) contractRevert(raw string) error { return chain.ClassifyRevert(raw) }

func ptr[T any](v T) *T { return &v }
