package service

import (
	"context"
	"encoding/json"
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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pid(n uint64) domain.ProposalID {
	return common.Hash(uint256.NewInt(n).Bytes32())
}

var proposer = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// --- keeper ---

type fakeSettler struct {
	mu       sync.Mutex
	bonds    []domain.BondRecord
	outcomes map[domain.ProposalID]error
	refund   map[domain.ProposalID]bool
	settled  []domain.ProposalID
}

func (f *fakeSettler) ListBonds(_ context.Context, filter domain.BondFilter) ([]domain.BondRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []domain.BondRecord
	for _, b := range f.bonds {
		if filter.UnresolvedOnly && b.Resolved() {
			continue
		}
		open = append(open, b)
	}
	if filter.Offset >= len(open) {
		return nil, nil
	}
	open = open[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(open) {
		open = open[:filter.Limit]
	}
	return open, nil
}

func (f *fakeSettler) Settle(_ context.Context, id domain.ProposalID) (domain.Resolution, domain.BondRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.outcomes[id]; err != nil {
		return 0, domain.BondRecord{}, err
	}
	for i := range f.bonds {
		if f.bonds[i].ProposalID != id {
			continue
		}
		f.settled = append(f.settled, id)
		if f.refund[id] {
			f.bonds[i].Refunded = true
			return domain.ResolutionRefund, f.bonds[i], nil
		}
		f.bonds[i].Forfeited = true
		return domain.ResolutionForfeit, f.bonds[i], nil
	}
	return 0, domain.BondRecord{}, domain.ErrBondNotActive
}

func TestKeeperSweepSettlesAcrossBatches(t *testing.T) {
	f := &fakeSettler{
		outcomes: map[domain.ProposalID]error{
			pid(2): fmt.Errorf("wrapped: %w", domain.ErrInvalidProposalStatus),
			pid(4): errors.New("node unavailable"),
		},
		refund: map[domain.ProposalID]bool{pid(1): true, pid(5): true},
	}
	for i := uint64(1); i <= 5; i++ {
		f.bonds = append(f.bonds, domain.BondRecord{ProposalID: pid(i), Proposer: proposer, Amount: *uint256.NewInt(10)})
	}

	k := NewKeeper(f, time.Minute, 2, 2, testLogger())
	report, err := k.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 2, report.Refunded)
	assert.Equal(t, 1, report.Forfeited)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []domain.ProposalID{pid(1), pid(3), pid(5)}, f.settled)
}

func TestKeeperSweepNothingToDo(t *testing.T) {
	k := NewKeeper(&fakeSettler{}, 0, 0, 0, testLogger())
	report, err := k.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

// --- events ---

type fakeAudit struct {
	events  []string
	details []map[string]any
	err     error
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return a.err
}

func (a *fakeAudit) List(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeNotifier struct{ got []domain.BondEvent }

func (n *fakeNotifier) NotifyBondEvent(_ context.Context, ev domain.BondEvent) error {
	n.got = append(n.got, ev)
	return nil
}

func sampleEvent() domain.BondEvent {
	return domain.BondEvent{
		ID:         "ev-1",
		Type:       domain.EventBondForfeited,
		ProposalID: pid(7),
		Proposer:   proposer,
		Amount:     *uint256.NewInt(300),
		At:         time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventFanoutDeliversToEverySink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus(0)
	sub, err := bus.Subscribe(ctx, BondChannel)
	require.NoError(t, err)
	audit := &fakeAudit{}
	notifier := &fakeNotifier{}

	f := NewEventFanout(bus, audit, notifier, testLogger())
	require.NoError(t, f.PublishBondEvent(ctx, sampleEvent()))

	select {
	case payload := <-sub:
		var got map[string]any
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "bond_forfeited", got["type"])
		assert.Equal(t, "300", got["amount"])
	case <-time.After(time.Second):
		t.Fatal("no message on bond channel")
	}

	msgs, err := f.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Equal(t, []string{"bond_forfeited"}, audit.events)
	assert.Equal(t, "300", audit.details[0]["amount"])
	require.Len(t, notifier.got, 1)
}

func TestEventFanoutJoinsSinkErrors(t *testing.T) {
	boom := errors.New("audit down")
	notifier := &fakeNotifier{}
	f := NewEventFanout(nil, &fakeAudit{err: boom}, notifier, testLogger())

	err := f.PublishBondEvent(context.Background(), sampleEvent())
	require.ErrorIs(t, err, boom)
	assert.Len(t, notifier.got, 1)
}

func TestMemoryBusStreamReadAfterID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.StreamAppend(ctx, BondStream, []byte{byte('a' + i)}))
	}

	all, err := bus.StreamRead(ctx, BondStream, "0-0", 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "stream keeps only maxLen entries")
	assert.Equal(t, "2-0", all[0].ID)

	rest, err := bus.StreamRead(ctx, BondStream, all[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Payload)
}

// --- snapshots ---

type fakeBlob struct {
	paths []string
	data  [][]byte
}

func (b *fakeBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.paths = append(b.paths, path)
	b.data = append(b.data, raw)
	return nil
}

func (b *fakeBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

type driftLedger struct {
	*bond.MemoryLedger
}

func (d driftLedger) Balances(context.Context) (domain.PoolBalances, error) {
	return domain.PoolBalances{Locked: *uint256.NewInt(1)}, nil
}

func TestSnapshotterArchivesVerifiedLedger(t *testing.T) {
	ctx := context.Background()
	ledger := bond.NewMemoryLedger()
	require.NoError(t, ledger.Create(ctx, domain.BondRecord{ProposalID: pid(1), Proposer: proposer, Amount: *uint256.NewInt(100)}))

	blob := &fakeBlob{}
	s := NewSnapshotter(ledger, blob, uint256.NewInt(100), testLogger())
	s.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }

	snap, path, err := s.Take(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Drift)
	assert.Equal(t, "snapshots/2026/10/19/1792396800.json", path)
	require.Len(t, blob.data, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(blob.data[0], &decoded))
	assert.Equal(t, "100", decoded["balances"].(map[string]any)["locked"])
	assert.Len(t, decoded["bonds"], 1)
	assert.Equal(t, "100", decoded["price_per_target"])
}

func TestSnapshotterReportsDrift(t *testing.T) {
	s := NewSnapshotter(driftLedger{bond.NewMemoryLedger()}, nil, uint256.NewInt(100), testLogger())

	snap, path, err := s.Take(context.Background())
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.True(t, strings.Contains(snap.Drift, "pool drift"))
}
