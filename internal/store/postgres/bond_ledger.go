package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/proposalbond/internal/bond"
	"github.com/alanyoungcy/proposalbond/internal/domain"
)

const bondColumns = `proposal_id, proposer, amount::text, refunded, forfeited, created_at, resolved_at`

// BondLedger implements domain.BondLedger using PostgreSQL. Each transition
// runs in one transaction holding the bond row and the pool row.
type BondLedger struct {
	pool *pgxpool.Pool
}

// NewBondLedger creates a new BondLedger backed by the given connection pool.
func NewBondLedger(pool *pgxpool.Pool) *BondLedger {
	return &BondLedger{pool: pool}
}

// Create inserts a bond and adds its amount to the locked balance.
func (s *BondLedger) Create(ctx context.Context, rec domain.BondRecord) error {
	if !rec.Exists() {
		return fmt.Errorf("postgres: create bond %s: %w: proposer must be set", rec.ProposalID.Hex(), domain.ErrInvalidProposal)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO bonds (proposal_id, proposer, amount, created_at)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (proposal_id) DO NOTHING`
		tag, err := tx.Exec(ctx, insert, rec.ProposalID.Hex(), rec.Proposer.Hex(), rec.Amount.Dec(), rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: create bond %s: %w", rec.ProposalID.Hex(), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: create bond %s: %w", rec.ProposalID.Hex(), domain.ErrAlreadyExists)
		}

		current, err := lockPool(ctx, tx)
		if err != nil {
			return err
		}
		next, err := bond.ApplyCreate(current, &rec.Amount)
		if err != nil {
			return err
		}
		return writePool(ctx, tx, next)
	})
}

// Get returns the bond for id, or a zero record when none exists.
func (s *BondLedger) Get(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error) {
	query := `SELECT ` + bondColumns + ` FROM bonds WHERE proposal_id = $1`
	rec, err := scanBond(s.pool.QueryRow(ctx, query, id.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BondRecord{ProposalID: id}, nil
	}
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("postgres: get bond %s: %w", id.Hex(), err)
	}
	return rec, nil
}

// Resolve locks the bond and pool rows, re-checks the flags, and writes the
// flag and the moved balances. settle runs last, inside the transaction, so
// no ledger step can fail after value has moved; a settle error rolls the
// writes back.
func (s *BondLedger) Resolve(ctx context.Context, id domain.ProposalID, res domain.Resolution, settle domain.SettleFunc) (domain.BondRecord, error) {
	var out domain.BondRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + bondColumns + ` FROM bonds WHERE proposal_id = $1 FOR UPDATE`
		rec, err := scanBond(tx.QueryRow(ctx, query, id.Hex()))
		if errors.Is(err, pgx.ErrNoRows) {
			rec = domain.BondRecord{ProposalID: id}
		} else if err != nil {
			return fmt.Errorf("postgres: lock bond %s: %w", id.Hex(), err)
		}
		out = rec
		if err := bond.CheckResolvable(rec); err != nil {
			return err
		}

		current, err := lockPool(ctx, tx)
		if err != nil {
			return err
		}
		next, err := bond.ApplyResolution(current, &rec.Amount, res)
		if err != nil {
			return err
		}

		resolved := bond.MarkResolved(rec, res)
		now := time.Now().UTC()
		resolved.ResolvedAt = &now
		const update = `
			UPDATE bonds SET refunded = $2, forfeited = $3, resolved_at = $4
			WHERE proposal_id = $1 AND NOT refunded AND NOT forfeited`
		tag, err := tx.Exec(ctx, update, id.Hex(), resolved.Refunded, resolved.Forfeited, resolved.ResolvedAt)
		if err != nil {
			return fmt.Errorf("postgres: resolve bond %s: %w", id.Hex(), err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("postgres: resolve bond %s: %w", id.Hex(), domain.ErrBondAlreadyResolved)
		}
		if err := writePool(ctx, tx, next); err != nil {
			return err
		}

		if settle != nil {
			if err := settle(ctx, rec); err != nil {
				return err
			}
		}
		out = resolved
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Balances returns the pooled balances.
func (s *BondLedger) Balances(ctx context.Context) (domain.PoolBalances, error) {
	const query = `SELECT locked_balance::text, forfeited_balance::text FROM bond_pool WHERE id = 1`
	return scanPool(s.pool.QueryRow(ctx, query))
}

// List returns bonds ordered by creation time.
func (s *BondLedger) List(ctx context.Context, filter domain.BondFilter) ([]domain.BondRecord, error) {
	query := `SELECT ` + bondColumns + ` FROM bonds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.UnresolvedOnly {
		query += " AND NOT refunded AND NOT forfeited"
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY created_at, proposal_id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bonds: %w", err)
	}
	defer rows.Close()

	var list []domain.BondRecord
	for rows.Next() {
		rec, err := scanBond(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bond: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bonds rows: %w", err)
	}
	return list, nil
}

func lockPool(ctx context.Context, tx pgx.Tx) (domain.PoolBalances, error) {
	const query = `SELECT locked_balance::text, forfeited_balance::text FROM bond_pool WHERE id = 1 FOR UPDATE`
	return scanPool(tx.QueryRow(ctx, query))
}

func writePool(ctx context.Context, tx pgx.Tx, p domain.PoolBalances) error {
	const query = `
		UPDATE bond_pool SET locked_balance = $1::numeric, forfeited_balance = $2::numeric, updated_at = NOW()
		WHERE id = 1`
	if _, err := tx.Exec(ctx, query, p.Locked.Dec(), p.Forfeited.Dec()); err != nil {
		return fmt.Errorf("postgres: write bond pool: %w", err)
	}
	return nil
}

func scanPool(row pgx.Row) (domain.PoolBalances, error) {
	var locked, forfeited string
	if err := row.Scan(&locked, &forfeited); err != nil {
		return domain.PoolBalances{}, fmt.Errorf("postgres: read bond pool: %w", err)
	}
	var p domain.PoolBalances
	if err := p.Locked.SetFromDecimal(locked); err != nil {
		return domain.PoolBalances{}, fmt.Errorf("postgres: decode locked balance %q: %w", locked, err)
	}
	if err := p.Forfeited.SetFromDecimal(forfeited); err != nil {
		return domain.PoolBalances{}, fmt.Errorf("postgres: decode forfeited balance %q: %w", forfeited, err)
	}
	return p, nil
}

func scanBond(row pgx.Row) (domain.BondRecord, error) {
	var (
		rec      domain.BondRecord
		id       string
		proposer string
		amount   string
	)
	if err := row.Scan(&id, &proposer, &amount, &rec.Refunded, &rec.Forfeited, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
		return domain.BondRecord{}, err
	}
	rec.ProposalID = common.HexToHash(id)
	rec.Proposer = common.HexToAddress(proposer)
	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return domain.BondRecord{}, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	rec.Amount = *v
	return rec, nil
}

// Compile-time interface check.
var _ domain.BondLedger = (*BondLedger)(nil)
