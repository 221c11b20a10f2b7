package escrow

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// Custodian is a domain.EscrowGateway over a Token. Transfers out of the
// custodian's own balance are direct; every other transfer is pulled with
// the allowance the owner granted the custodian.
type Custodian struct {
	token   *Token
	address common.Address

	mu   sync.Mutex
	done map[string]struct{} // idempotency keys of completed transfers
}

// NewCustodian creates a gateway acting as address on token.
func NewCustodian(token *Token, address common.Address) *Custodian {
	return &Custodian{token: token, address: address, done: make(map[string]struct{})}
}

// Address returns the custodian account.
func (c *Custodian) Address() common.Address {
	return c.address
}

// Transfer implements domain.EscrowGateway. A key that already completed a
// transfer returns nil without moving value again. An empty key is never
// deduplicated.
func (c *Custodian) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int, idempotencyKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.done[idempotencyKey]; ok && idempotencyKey != "" {
		return nil
	}

	var err error
	if from == c.address {
		err = c.token.Transfer(from, to, amount)
	} else {
		err = c.token.TransferFrom(c.address, from, to, amount)
	}
	if err != nil {
		return err
	}
	if idempotencyKey != "" {
		c.done[idempotencyKey] = struct{}{}
	}
	return nil
}

// Compile-time interface check.
var _ domain.EscrowGateway = (*Custodian)(nil)
