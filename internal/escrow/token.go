// Package escrow provides an in-memory fungible token with allowance
// semantics and the custodian-backed escrow gateway used to hold bonds.
package escrow

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// Token is a single fungible asset with balances and allowances. It is safe
// for concurrent use.
type Token struct {
	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     uint256.Int
}

// NewToken returns an empty token.
func NewToken() *Token {
	return &Token{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// Mint credits amount to account.
func (t *Token) Mint(account common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var supply uint256.Int
	if _, overflow := supply.AddOverflow(&t.supply, amount); overflow {
		return fmt.Errorf("escrow: mint %s: %w", amount.Dec(), domain.ErrArithmeticOverflow)
	}
	t.supply = supply
	t.balance(account).Add(t.balance(account), amount)
	return nil
}

// BalanceOf returns a copy of account's balance.
func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.balance(account))
}

// TotalSupply returns a copy of the minted supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(&t.supply)
}

// Approve sets the amount spender may pull from owner.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowance(owner, spender).Set(amount)
}

// Allowance returns a copy of what spender may still pull from owner.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.allowance(owner, spender))
}

// Transfer moves amount from the owner's own balance.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (t *Token) TransferFrom(spender, owner, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowance(owner, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("escrow: %s allows %s %s, need %s: %w",
			owner.Hex(), spender.Hex(), allowed.Dec(), amount.Dec(), domain.ErrInsufficientAllowance)
	}
	if err := t.move(owner, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// move must be called with t.mu held.
func (t *Token) move(from, to common.Address, amount *uint256.Int) error {
	src := t.balance(from)
	if src.Lt(amount) {
		return fmt.Errorf("escrow: %s holds %s, need %s: %w",
			from.Hex(), src.Dec(), amount.Dec(), domain.ErrInsufficientFunds)
	}
	src.Sub(src, amount)
	dst := t.balance(to)
	dst.Add(dst, amount)
	return nil
}

func (t *Token) balance(account common.Address) *uint256.Int {
	b, ok := t.balances[account]
	if !ok {
		b = new(uint256.Int)
		t.balances[account] = b
	}
	return b
}

func (t *Token) allowance(owner, spender common.Address) *uint256.Int {
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = byOwner
	}
	a, ok := byOwner[spender]
	if !ok {
		a = new(uint256.Int)
		byOwner[spender] = a
	}
	return a
}
