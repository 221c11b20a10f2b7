package bond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// defaultLockTTL bounds how long a distributed resolution lock may be held.
const defaultLockTTL = 30 * time.Second

// Deps bundles the collaborators a Controller drives.
type Deps struct {
	Policy  *Policy
	Ledger  domain.BondLedger
	Engine  domain.ProposalEngine
	Oracle  domain.ProposalOracle
	Gateway domain.EscrowGateway
	// Custodian holds escrowed bonds between posting and resolution.
	Custodian common.Address

	// Optional.
	Events  domain.EventPublisher
	Locks   domain.LockManager
	LockTTL time.Duration
}

// Controller orchestrates bond creation, refund and forfeiture. Refund and
// forfeiture are permissionless: any caller may trigger them.
type Controller struct {
	policy    *Policy
	ledger    domain.BondLedger
	engine    domain.ProposalEngine
	oracle    domain.ProposalOracle
	gateway   domain.EscrowGateway
	custodian common.Address
	events    domain.EventPublisher
	locks     domain.LockManager
	lockTTL   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewController creates a Controller from deps.
func NewController(deps Deps, logger *slog.Logger) *Controller {
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Controller{
		policy:    deps.Policy,
		ledger:    deps.Ledger,
		engine:    deps.Engine,
		oracle:    deps.Oracle,
		gateway:   deps.Gateway,
		custodian: deps.Custodian,
		events:    deps.Events,
		locks:     deps.Locks,
		lockTTL:   ttl,
		logger:    logger.With(slog.String("component", "bond_controller")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CalculateBond returns the bond required for targetCount target actions.
func (c *Controller) CalculateBond(targetCount int) (*uint256.Int, error) {
	return c.policy.Calculate(targetCount)
}

// PricePerTarget returns the configured bond price per target action.
func (c *Controller) PricePerTarget() *uint256.Int {
	return c.policy.PricePerTarget()
}

// Custodian returns the escrow custodian address.
func (c *Controller) Custodian() common.Address {
	return c.custodian
}

// Balances returns both pooled balances.
func (c *Controller) Balances(ctx context.Context) (domain.PoolBalances, error) {
	b, err := c.ledger.Balances(ctx)
	if err != nil {
		return domain.PoolBalances{}, fmt.Errorf("bond: balances: %w", err)
	}
	return b, nil
}

// LockedBondsBalance returns the sum of all unresolved bonds.
func (c *Controller) LockedBondsBalance(ctx context.Context) (*uint256.Int, error) {
	b, err := c.Balances(ctx)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&b.Locked), nil
}

// ForfeitedBondsBalance returns the cumulative amount ever forfeited.
func (c *Controller) ForfeitedBondsBalance(ctx context.Context) (*uint256.Int, error) {
	b, err := c.Balances(ctx)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&b.Forfeited), nil
}

// GetBond returns the bond record for id, or domain.ErrBondNotActive.
func (c *Controller) GetBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error) {
	rec, err := c.ledger.Get(ctx, id)
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("bond: get %s: %w", id.Hex(), err)
	}
	if !rec.Exists() {
		return rec, fmt.Errorf("%w: no bond for proposal %s", domain.ErrBondNotActive, id.Hex())
	}
	return rec, nil
}

// ListBonds returns ledger records matching filter.
func (c *Controller) ListBonds(ctx context.Context, filter domain.BondFilter) ([]domain.BondRecord, error) {
	recs, err := c.ledger.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("bond: list: %w", err)
	}
	return recs, nil
}

// ProposeWithBond escrows the bond from the proposer, creates the proposal
// on the engine, and records the bond. Escrow happens first; if a later step
// fails the escrowed amount is transferred back before the error returns.
func (c *Controller) ProposeWithBond(ctx context.Context, req domain.ProposalRequest) (domain.ProposalID, error) {
	if err := req.Validate(); err != nil {
		return domain.ProposalID{}, fmt.Errorf("bond: propose: %w", err)
	}
	amount, err := c.CalculateBond(len(req.Targets))
	if err != nil {
		return domain.ProposalID{}, err
	}

	// Each attempt escrows under its own key; an identical resubmission is a
	// new payment.
	attempt := uuid.NewString()
	if err := c.transfer(ctx, req.Proposer, c.custodian, amount, EscrowKey(attempt)); err != nil {
		return domain.ProposalID{}, fmt.Errorf("bond: escrow %s from %s: %w", amount.Dec(), req.Proposer.Hex(), err)
	}

	id, err := c.engine.Propose(ctx, req)
	if err != nil {
		err = fmt.Errorf("bond: create proposal: %w", err)
		return domain.ProposalID{}, c.returnEscrow(ctx, attempt, req.Proposer, amount, err)
	}

	if err := c.createBond(ctx, id, amount, req.Proposer); err != nil {
		return domain.ProposalID{}, c.returnEscrow(ctx, attempt, req.Proposer, amount, err)
	}
	return id, nil
}

// Idempotency keys for the three transfers a bond can cause.

// EscrowKey names the transfer that posts a bond for propose attempt.
func EscrowKey(attempt string) string { return "escrow:" + attempt }

// EscrowReturnKey names the transfer that undoes EscrowKey(attempt).
func EscrowReturnKey(attempt string) string { return "escrow-return:" + attempt }

// RefundKey names the transfer that refunds the bond for id.
func RefundKey(id domain.ProposalID) string { return "refund:" + id.Hex() }

// transfer moves amount through the gateway. Zero amounts move nothing and
// are not sent.
func (c *Controller) transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, key string) error {
	if amount.IsZero() {
		return nil
	}
	return c.gateway.Transfer(ctx, from, to, amount, key)
}

// returnEscrow undoes an escrow transfer after a later propose step failed.
func (c *Controller) returnEscrow(ctx context.Context, attempt string, proposer common.Address, amount *uint256.Int, cause error) error {
	if err := c.transfer(ctx, c.custodian, proposer, amount, EscrowReturnKey(attempt)); err != nil {
		c.logger.ErrorContext(ctx, "escrow return failed",
			slog.String("proposer", proposer.Hex()),
			slog.String("amount", amount.Dec()),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return errors.Join(cause, fmt.Errorf("bond: return escrow to %s: %w", proposer.Hex(), err))
	}
	c.logger.WarnContext(ctx, "escrow returned after failed proposal",
		slog.String("proposer", proposer.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("cause", cause.Error()),
	)
	return cause
}

// createBond records a new bond. The ledger rejects a second bond for the
// same proposal.
func (c *Controller) createBond(ctx context.Context, id domain.ProposalID, amount *uint256.Int, proposer common.Address) error {
	rec := domain.BondRecord{
		ProposalID: id,
		Proposer:   proposer,
		CreatedAt:  c.now(),
	}
	rec.Amount.Set(amount)

	if err := c.ledger.Create(ctx, rec); err != nil {
		return fmt.Errorf("bond: record bond for %s: %w", id.Hex(), err)
	}

	c.logger.InfoContext(ctx, "bond created",
		slog.String("proposal_id", id.Hex()),
		slog.String("proposer", proposer.Hex()),
		slog.String("amount", amount.Dec()),
	)
	c.emit(ctx, domain.EventBondCreated, rec)
	return nil
}

// RefundBond returns the bond to its proposer. It requires the proposal to
// have left Pending/Active and against-without-bond-return votes to be at
// least the ordinary against votes.
func (c *Controller) RefundBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error) {
	tally, err := c.concludedTally(ctx, id)
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("bond: refund %s: %w", id.Hex(), err)
	}
	if !tally.RefundAllowed() {
		return domain.BondRecord{}, fmt.Errorf("bond: refund %s: %w: against_without_bond_return=%s < against=%s",
			id.Hex(), domain.ErrBondNotEligibleForRefund,
			tally.AgainstWithoutBondReturn.Dec(), tally.Against.Dec())
	}
	return c.resolve(ctx, id, domain.ResolutionRefund)
}

// CheckAndForfeitBond moves the bond from the locked to the forfeited pool.
// It requires the proposal to have left Pending/Active and
// against-without-bond-return votes to be strictly fewer than ordinary
// against votes. No value moves; the custodian keeps the funds.
func (c *Controller) CheckAndForfeitBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error) {
	tally, err := c.concludedTally(ctx, id)
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("bond: forfeit %s: %w", id.Hex(), err)
	}
	if tally.RefundAllowed() {
		return domain.BondRecord{}, fmt.Errorf("bond: forfeit %s: %w: against_without_bond_return=%s >= against=%s",
			id.Hex(), domain.ErrBondNotEligibleForForfeiture,
			tally.AgainstWithoutBondReturn.Dec(), tally.Against.Dec())
	}
	return c.resolve(ctx, id, domain.ResolutionForfeit)
}

// Settle reads the oracle once and applies whichever resolution the tally
// allows.
func (c *Controller) Settle(ctx context.Context, id domain.ProposalID) (domain.Resolution, domain.BondRecord, error) {
	tally, err := c.concludedTally(ctx, id)
	if err != nil {
		return 0, domain.BondRecord{}, fmt.Errorf("bond: settle %s: %w", id.Hex(), err)
	}
	res := domain.ResolutionForfeit
	if tally.RefundAllowed() {
		res = domain.ResolutionRefund
	}
	rec, err := c.resolve(ctx, id, res)
	return res, rec, err
}

// concludedTally checks that voting is over and returns the tally.
func (c *Controller) concludedTally(ctx context.Context, id domain.ProposalID) (domain.VoteTally, error) {
	state, err := c.oracle.State(ctx, id)
	if err != nil {
		return domain.VoteTally{}, fmt.Errorf("proposal state: %w", err)
	}
	if state.InVoting() {
		return domain.VoteTally{}, fmt.Errorf("%w: proposal is %s", domain.ErrInvalidProposalStatus, state)
	}
	tally, err := c.oracle.VoteTally(ctx, id)
	if err != nil {
		return domain.VoteTally{}, fmt.Errorf("vote tally: %w", err)
	}
	return tally, nil
}

func (c *Controller) resolve(ctx context.Context, id domain.ProposalID, res domain.Resolution) (domain.BondRecord, error) {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "bond:"+id.Hex(), c.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.BondRecord{}, fmt.Errorf("bond: %s %s: %w", res, id.Hex(), domain.ErrResolutionBusy)
			}
			return domain.BondRecord{}, fmt.Errorf("bond: %s %s: acquire lock: %w", res, id.Hex(), err)
		}
		defer unlock()
	}

	var settle domain.SettleFunc
	if res == domain.ResolutionRefund {
		settle = func(ctx context.Context, rec domain.BondRecord) error {
			if err := c.transfer(ctx, c.custodian, rec.Proposer, &rec.Amount, RefundKey(rec.ProposalID)); err != nil {
				return fmt.Errorf("return %s to %s: %w", rec.Amount.Dec(), rec.Proposer.Hex(), err)
			}
			return nil
		}
	}

	rec, err := c.ledger.Resolve(ctx, id, res, settle)
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("bond: %s %s: %w", res, id.Hex(), err)
	}

	c.logger.InfoContext(ctx, "bond resolved",
		slog.String("proposal_id", id.Hex()),
		slog.String("resolution", res.String()),
		slog.String("proposer", rec.Proposer.Hex()),
		slog.String("amount", rec.Amount.Dec()),
	)
	ev := domain.EventBondRefunded
	if res == domain.ResolutionForfeit {
		ev = domain.EventBondForfeited
	}
	c.emit(ctx, ev, rec)
	return rec, nil
}

// emit publishes a bond event. The ledger transition has already committed,
// so delivery failures are logged and not returned.
func (c *Controller) emit(ctx context.Context, typ domain.BondEventType, rec domain.BondRecord) {
	if c.events == nil {
		return
	}
	ev := domain.BondEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		ProposalID: rec.ProposalID,
		Proposer:   rec.Proposer,
		Amount:     rec.Amount,
		At:         c.now(),
	}
	if err := c.events.PublishBondEvent(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "bond event delivery failed",
			slog.String("event", string(typ)),
			slog.String("proposal_id", rec.ProposalID.Hex()),
			slog.String("error", err.Error()),
		)
	}
}
