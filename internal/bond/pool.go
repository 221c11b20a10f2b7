package bond

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// ApplyCreate returns the pool after locking amount.
func ApplyCreate(pool domain.PoolBalances, amount *uint256.Int) (domain.PoolBalances, error) {
	next := pool
	if _, overflow := next.Locked.AddOverflow(&pool.Locked, amount); overflow {
		return pool, fmt.Errorf("bond: lock %s: %w", amount.Dec(), domain.ErrArithmeticOverflow)
	}
	return next, nil
}

// ApplyResolution returns the pool after releasing amount from the locked
// pool and, for forfeitures, adding it to the forfeited pool.
func ApplyResolution(pool domain.PoolBalances, amount *uint256.Int, res domain.Resolution) (domain.PoolBalances, error) {
	next := pool
	if _, underflow := next.Locked.SubOverflow(&pool.Locked, amount); underflow {
		return pool, fmt.Errorf("bond: release %s from locked %s: %w",
			amount.Dec(), pool.Locked.Dec(), domain.ErrArithmeticOverflow)
	}
	if res == domain.ResolutionForfeit {
		if _, overflow := next.Forfeited.AddOverflow(&pool.Forfeited, amount); overflow {
			return pool, fmt.Errorf("bond: forfeit %s: %w", amount.Dec(), domain.ErrArithmeticOverflow)
		}
	}
	return next, nil
}

// MarkResolved flips the flag for res on a copy of rec.
func MarkResolved(rec domain.BondRecord, res domain.Resolution) domain.BondRecord {
	switch res {
	case domain.ResolutionRefund:
		rec.Refunded = true
	case domain.ResolutionForfeit:
		rec.Forfeited = true
	}
	return rec
}

// CheckResolvable returns the guard error for resolving rec, or nil.
func CheckResolvable(rec domain.BondRecord) error {
	if !rec.Exists() {
		return fmt.Errorf("%w: no bond for proposal %s", domain.ErrBondNotActive, rec.ProposalID.Hex())
	}
	if rec.Resolved() {
		return fmt.Errorf("%w: bond for proposal %s is %s", domain.ErrBondAlreadyResolved, rec.ProposalID.Hex(), rec.Status())
	}
	return nil
}

// PoolDrift describes a mismatch between recorded and recomputed balances.
type PoolDrift struct {
	Recorded   domain.PoolBalances
	Recomputed domain.PoolBalances
}

func (d *PoolDrift) Error() string {
	return fmt.Sprintf("bond: pool drift: locked recorded=%s recomputed=%s, forfeited recorded=%s recomputed=%s",
		d.Recorded.Locked.Dec(), d.Recomputed.Locked.Dec(),
		d.Recorded.Forfeited.Dec(), d.Recomputed.Forfeited.Dec())
}

// VerifyPool recomputes both pooled balances from the full set of records
// and returns a *PoolDrift when they differ from balances.
func VerifyPool(records []domain.BondRecord, balances domain.PoolBalances) error {
	var sum domain.PoolBalances
	for i := range records {
		rec := &records[i]
		if !rec.Exists() {
			continue
		}
		var overflow bool
		switch {
		case rec.Forfeited:
			_, overflow = sum.Forfeited.AddOverflow(&sum.Forfeited, &rec.Amount)
		case !rec.Refunded:
			_, overflow = sum.Locked.AddOverflow(&sum.Locked, &rec.Amount)
		}
		if overflow {
			return fmt.Errorf("bond: verify pool: %w", domain.ErrArithmeticOverflow)
		}
	}
	if !sum.Locked.Eq(&balances.Locked) || !sum.Forfeited.Eq(&balances.Forfeited) {
		return &PoolDrift{Recorded: balances, Recomputed: sum}
	}
	return nil
}
