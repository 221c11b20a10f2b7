// Package bond implements the proposal bond lifecycle: sizing bonds from the
// shape of a proposal, recording them in a ledger with pooled balances, and
// resolving each bond exactly once to a refund or a forfeiture.
package bond

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// Policy sizes bonds as targetCount * pricePerTarget.
type Policy struct {
	pricePerTarget uint256.Int
}

// NewPolicy creates a Policy with the given per-target price. A nil price
// is treated as zero.
func NewPolicy(pricePerTarget *uint256.Int) *Policy {
	p := &Policy{}
	if pricePerTarget != nil {
		p.pricePerTarget.Set(pricePerTarget)
	}
	return p
}

// PricePerTarget returns a copy of the configured price.
func (p *Policy) PricePerTarget() *uint256.Int {
	return new(uint256.Int).Set(&p.pricePerTarget)
}

// Calculate returns the bond required for a proposal with targetCount
// target actions. Overflow is reported as domain.ErrArithmeticOverflow.
func (p *Policy) Calculate(targetCount int) (*uint256.Int, error) {
	if targetCount < 0 {
		return nil, fmt.Errorf("%w: negative target count %d", domain.ErrInvalidProposal, targetCount)
	}
	amount, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(targetCount)), &p.pricePerTarget)
	if overflow {
		return nil, fmt.Errorf("bond: size %d targets at %s: %w",
			targetCount, p.pricePerTarget.Dec(), domain.ErrArithmeticOverflow)
	}
	return amount, nil
}
