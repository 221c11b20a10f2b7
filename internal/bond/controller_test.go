package bond_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/proposalbond/internal/bond"
	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/alanyoungcy/proposalbond/internal/escrow"
	"github.com/alanyoungcy/proposalbond/internal/governor"
)

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	proposer  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	voterA    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	voterB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BondEventType
	err    error
}

func (p *recordingPublisher) PublishBondEvent(_ context.Context, ev domain.BondEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
	return p.err
}

type transferCall struct {
	from, to common.Address
	amount   uint64
	key      string
}

// recordingGateway records every transfer it forwards. While lostReplies is
// positive a completed transfer is reported as a timeout, as a client would
// see it when the reply never arrives.
type recordingGateway struct {
	mu          sync.Mutex
	next        domain.EscrowGateway
	calls       []transferCall
	lostReplies int
}

func (g *recordingGateway) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, transferCall{from: from, to: to, amount: amount.Uint64(), key: key})
	if err := g.next.Transfer(ctx, from, to, amount, key); err != nil {
		return err
	}
	if g.lostReplies > 0 {
		g.lostReplies--
		return context.DeadlineExceeded
	}
	return nil
}

func (g *recordingGateway) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = c.key
	}
	return out
}

type env struct {
	t      *testing.T
	ctx    context.Context
	token  *escrow.Token
	gw     *recordingGateway
	gov    *governor.Governor
	ledger *bond.MemoryLedger
	events *recordingPublisher
	ctrl   *bond.Controller
}

func newEnv(t *testing.T, price uint64) *env {
	t.Helper()
	e := &env{
		t:      t,
		ctx:    context.Background(),
		token:  escrow.NewToken(),
		gov:    governor.New(uint256.NewInt(1)),
		ledger: bond.NewMemoryLedger(),
		events: &recordingPublisher{},
	}
	e.gw = &recordingGateway{next: escrow.NewCustodian(e.token, custodian)}
	e.ctrl = bond.NewController(bond.Deps{
		Policy:    bond.NewPolicy(uint256.NewInt(price)),
		Ledger:    e.ledger,
		Engine:    e.gov,
		Oracle:    e.gov,
		Gateway:   e.gw,
		Custodian: custodian,
		Events:    e.events,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e
}

func (e *env) fund(amount uint64) {
	require.NoError(e.t, e.token.Mint(proposer, uint256.NewInt(amount)))
	e.token.Approve(proposer, custodian, uint256.NewInt(amount))
}

func request(targets int, description string) domain.ProposalRequest {
	req := domain.ProposalRequest{Proposer: proposer, Description: description}
	for i := 0; i < targets; i++ {
		req.Targets = append(req.Targets, common.BigToAddress(uint256.NewInt(uint64(0x100+i)).ToBig()))
		req.Values = append(req.Values, new(uint256.Int))
		req.Calldatas = append(req.Calldatas, nil)
	}
	return req
}

func (e *env) propose(targets int, description string) domain.ProposalID {
	e.t.Helper()
	id, err := e.ctrl.ProposeWithBond(e.ctx, request(targets, description))
	require.NoError(e.t, err)
	return id
}

func (e *env) vote(id domain.ProposalID, voter common.Address, support governor.VoteType, weight uint64) {
	e.t.Helper()
	require.NoError(e.t, e.gov.CastVote(id, voter, support, uint256.NewInt(weight)))
}

func (e *env) locked() uint64 {
	v, err := e.ctrl.LockedBondsBalance(e.ctx)
	require.NoError(e.t, err)
	return v.Uint64()
}

func (e *env) forfeited() uint64 {
	v, err := e.ctrl.ForfeitedBondsBalance(e.ctx)
	require.NoError(e.t, err)
	return v.Uint64()
}

func TestProposeWithBondEscrowsAndRecords(t *testing.T) {
	e := newEnv(t, 100)
	e.fund(1000)

	id := e.propose(3, "upgrade treasury")

	assert.Equal(t, uint64(700), e.token.BalanceOf(proposer).Uint64())
	assert.Equal(t, uint64(300), e.token.BalanceOf(custodian).Uint64())
	assert.Equal(t, uint64(300), e.locked())

	rec, err := e.ctrl.GetBond(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proposer, rec.Proposer)
	assert.Equal(t, uint64(300), rec.Amount.Uint64())
	assert.Equal(t, domain.BondLocked, rec.Status())
	assert.Equal(t, []domain.BondEventType{domain.EventBondCreated}, e.events.events)
}

// Defeated with no against-without-bond-return votes: the bond comes back.
func TestRefundAfterDefeat(t *testing.T) {
	e := newEnv(t, 1)
	e.fund(1)
	id := e.propose(1, "defeated proposal")

	require.NoError(t, e.gov.Activate(id))
	state, err := e.gov.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, domain.ProposalDefeated, state)

	rec, err := e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Refunded)
	assert.Equal(t, uint64(1), e.token.BalanceOf(proposer).Uint64())
	assert.Zero(t, e.locked())
	assert.Zero(t, e.forfeited())
}

func TestRefundAfterExpiry(t *testing.T) {
	e := newEnv(t, 1)
	e.fund(1)
	id := e.propose(1, "defeated then expired")

	require.NoError(t, e.gov.Activate(id))
	e.vote(id, voterA, governor.VoteFor, 5)
	_, err := e.gov.CloseVoting(id)
	require.NoError(t, err)
	require.NoError(t, e.gov.Queue(id))
	require.NoError(t, e.gov.Expire(id))

	_, err = e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.token.BalanceOf(proposer).Uint64())
	assert.Zero(t, e.locked())
}

// Ordinary against votes outweigh against-without-bond-return votes: the
// bond is forfeited and stays with the custodian.
func TestForfeitWhenOrdinaryAgainstDominates(t *testing.T) {
	e := newEnv(t, 1)
	e.fund(1)
	id := e.propose(1, "contested proposal")

	require.NoError(t, e.gov.Activate(id))
	e.vote(id, voterA, governor.VoteAgainst, 3)
	e.vote(id, voterB, governor.VoteAgainstWithoutBondReturn, 1)
	_, err := e.gov.CloseVoting(id)
	require.NoError(t, err)

	_, err = e.ctrl.RefundBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondNotEligibleForRefund)

	rec, err := e.ctrl.CheckAndForfeitBond(e.ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Forfeited)
	assert.Equal(t, uint64(1), e.forfeited())
	assert.Zero(t, e.locked())
	assert.Zero(t, e.token.BalanceOf(proposer).Uint64())
	assert.Equal(t, uint64(1), e.token.BalanceOf(custodian).Uint64())

	_, err = e.ctrl.RefundBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondNotEligibleForRefund)
	_, err = e.ctrl.CheckAndForfeitBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondAlreadyResolved)
}

func TestRefundAfterExecution(t *testing.T) {
	e := newEnv(t, 10)
	e.fund(20)
	id := e.propose(2, "executed proposal")

	require.NoError(t, e.gov.Activate(id))
	e.vote(id, voterA, governor.VoteFor, 9)
	e.vote(id, voterB, governor.VoteAgainstWithoutBondReturn, 2)
	state, err := e.gov.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, domain.ProposalSucceeded, state)
	require.NoError(t, e.gov.Execute(id))

	_, err = e.ctrl.CheckAndForfeitBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondNotEligibleForForfeiture)

	_, err = e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), e.token.BalanceOf(proposer).Uint64())

	_, err = e.ctrl.RefundBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondAlreadyResolved)
}

func TestResolutionRejectedWhileVoting(t *testing.T) {
	e := newEnv(t, 1)
	e.fund(1)
	id := e.propose(1, "open proposal")

	check := func() {
		_, err := e.ctrl.RefundBond(e.ctx, id)
		assert.ErrorIs(t, err, domain.ErrInvalidProposalStatus)
		_, err = e.ctrl.CheckAndForfeitBond(e.ctx, id)
		assert.ErrorIs(t, err, domain.ErrInvalidProposalStatus)
		_, _, err = e.ctrl.Settle(e.ctx, id)
		assert.ErrorIs(t, err, domain.ErrInvalidProposalStatus)
	}

	check() // Pending
	require.NoError(t, e.gov.Activate(id))
	e.vote(id, voterA, governor.VoteAgainst, 1)
	check() // Active

	assert.Equal(t, uint64(1), e.locked())
	rec, err := e.ctrl.GetBond(e.ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Resolved())
}

func TestZeroTargetBond(t *testing.T) {
	e := newEnv(t, 100)
	id := e.propose(0, "signal only")

	rec, err := e.ctrl.GetBond(e.ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Amount.IsZero())
	assert.Zero(t, e.locked())

	require.NoError(t, e.gov.Cancel(id))
	_, err = e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	_, err = e.ctrl.RefundBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondAlreadyResolved)
	_, err = e.ctrl.CheckAndForfeitBond(e.ctx, id)
	assert.ErrorIs(t, err, domain.ErrBondNotEligibleForForfeiture)

	// Nothing was worth moving, so the gateway never saw a transfer.
	assert.Empty(t, e.gw.calls)
}

func TestResolveUnknownBond(t *testing.T) {
	e := newEnv(t, 1)
	e.fund(1)
	id := e.propose(1, "known")
	require.NoError(t, e.gov.Cancel(id))

	_, err := e.ctrl.GetBond(e.ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, domain.ErrBondNotActive)

	// The oracle knows nothing about this id either.
	_, err = e.ctrl.RefundBond(e.ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProposeFailuresReturnEscrow(t *testing.T) {
	e := newEnv(t, 100)
	e.fund(1000)
	e.propose(1, "duplicate")

	// The engine rejects the same proposal twice.
	_, err := e.ctrl.ProposeWithBond(e.ctx, request(1, "duplicate"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, uint64(900), e.token.BalanceOf(proposer).Uint64())
	assert.Equal(t, uint64(100), e.locked())

	e.token.Approve(proposer, custodian, uint256.NewInt(10000))
	_, err = e.ctrl.ProposeWithBond(e.ctx, request(20, "too big"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(900), e.token.BalanceOf(proposer).Uint64())

	bad := request(1, "mismatched")
	bad.Values = nil
	_, err = e.ctrl.ProposeWithBond(e.ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	recs, err := e.ctrl.ListBonds(e.ctx, domain.BondFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestEscrowReturnSharesAttemptKey(t *testing.T) {
	e := newEnv(t, 100)
	e.fund(1000)
	e.propose(1, "duplicate")
	_, err := e.ctrl.ProposeWithBond(e.ctx, request(1, "duplicate"))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	keys := e.gw.keys()
	require.Len(t, keys, 3)
	first := strings.TrimPrefix(keys[0], "escrow:")
	second := strings.TrimPrefix(keys[1], "escrow:")
	assert.NotEqual(t, first, second, "each attempt escrows under a fresh key")
	assert.Equal(t, bond.EscrowReturnKey(second), keys[2])
	assert.Equal(t, uint64(900), e.token.BalanceOf(proposer).Uint64())
}

func TestRefundRetryAfterLostReplyPaysOnce(t *testing.T) {
	e := newEnv(t, 100)
	e.fund(100)
	id := e.propose(1, "timeout")
	require.NoError(t, e.gov.Cancel(id))

	// The refund lands but its reply is lost; the bond stays locked.
	e.gw.lostReplies = 1
	_, err := e.ctrl.RefundBond(e.ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	rec, err := e.ctrl.GetBond(e.ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Resolved())
	assert.Equal(t, uint64(100), e.token.BalanceOf(proposer).Uint64())

	// The retry reuses the refund key and moves nothing further.
	rec, err = e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Refunded)
	assert.Equal(t, uint64(100), e.token.BalanceOf(proposer).Uint64())
	assert.Zero(t, e.token.BalanceOf(custodian).Uint64())
	assert.Zero(t, e.locked())

	keys := e.gw.keys()
	assert.Equal(t, []string{bond.RefundKey(id), bond.RefundKey(id)}, keys[1:])
}

// stubOracle reports a fixed state and tally for every proposal.
type stubOracle struct {
	state domain.ProposalState
	tally domain.VoteTally
}

func (o stubOracle) State(context.Context, domain.ProposalID) (domain.ProposalState, error) {
	return o.state, nil
}

func (o stubOracle) VoteTally(context.Context, domain.ProposalID) (domain.VoteTally, error) {
	return o.tally, nil
}

func seededController(t *testing.T, oracle domain.ProposalOracle, locks domain.LockManager) (*bond.Controller, domain.ProposalID, *escrow.Token) {
	t.Helper()
	ctx := context.Background()
	token := escrow.NewToken()
	require.NoError(t, token.Mint(custodian, uint256.NewInt(10)))
	ledger := bond.NewMemoryLedger()
	id := common.HexToHash("0x01")
	rec := domain.BondRecord{ProposalID: id, Proposer: proposer, CreatedAt: time.Now()}
	rec.Amount.SetUint64(10)
	require.NoError(t, ledger.Create(ctx, rec))

	ctrl := bond.NewController(bond.Deps{
		Policy:    bond.NewPolicy(uint256.NewInt(10)),
		Ledger:    ledger,
		Oracle:    oracle,
		Gateway:   escrow.NewCustodian(token, custodian),
		Custodian: custodian,
		Locks:     locks,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return ctrl, id, token
}

func TestRefundForfeitComplementarity(t *testing.T) {
	cases := []struct {
		withoutReturn, against uint64
		refund                 bool
	}{
		{0, 0, true},
		{5, 5, true},
		{6, 5, true},
		{4, 5, false},
		{0, 1, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_vs_%d", tc.withoutReturn, tc.against), func(t *testing.T) {
			var tally domain.VoteTally
			tally.AgainstWithoutBondReturn.SetUint64(tc.withoutReturn)
			tally.Against.SetUint64(tc.against)
			oracle := stubOracle{state: domain.ProposalDefeated, tally: tally}

			ctrl, id, _ := seededController(t, oracle, nil)
			_, refundErr := ctrl.RefundBond(context.Background(), id)
			ctrl, id, _ = seededController(t, oracle, nil)
			_, forfeitErr := ctrl.CheckAndForfeitBond(context.Background(), id)

			assert.NotEqual(t, refundErr == nil, forfeitErr == nil)
			assert.Equal(t, tc.refund, refundErr == nil)

			ctrl, id, _ = seededController(t, oracle, nil)
			res, rec, err := ctrl.Settle(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tc.refund, res == domain.ResolutionRefund)
			assert.Equal(t, tc.refund, rec.Refunded)
			assert.Equal(t, !tc.refund, rec.Forfeited)
		})
	}
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type brokenLocks struct{}

func (brokenLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis down")
}

func TestResolutionLock(t *testing.T) {
	oracle := stubOracle{state: domain.ProposalDefeated}

	ctrl, id, token := seededController(t, oracle, heldLocks{})
	_, err := ctrl.RefundBond(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrResolutionBusy)
	assert.Zero(t, token.BalanceOf(proposer).Uint64())

	ctrl, id, _ = seededController(t, oracle, brokenLocks{})
	_, err = ctrl.RefundBond(context.Background(), id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrResolutionBusy)
}

func TestRefundTransferFailureLeavesBondLocked(t *testing.T) {
	oracle := stubOracle{state: domain.ProposalDefeated}
	ctrl, id, token := seededController(t, oracle, nil)
	// Drain the custodian so the refund transfer fails.
	require.NoError(t, token.Transfer(custodian, voterA, uint256.NewInt(10)))

	_, err := ctrl.RefundBond(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	rec, err := ctrl.GetBond(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, rec.Resolved())
	locked, err := ctrl.LockedBondsBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), locked.Uint64())
}

func TestEventFailureDoesNotFailResolution(t *testing.T) {
	e := newEnv(t, 1)
	e.events.err = errors.New("bus down")
	e.fund(1)
	id := e.propose(1, "events")
	require.NoError(t, e.gov.Cancel(id))

	_, err := e.ctrl.RefundBond(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []domain.BondEventType{domain.EventBondCreated, domain.EventBondRefunded}, e.events.events)
}
