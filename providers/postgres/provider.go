// Package postgres implements the account provider on PostgreSQL via pgx.
// It owns three tables: accounts, twofactor_secrets, and backup_codes; see
// schema.sql for the expected shape. Backup code consumption is a single
// conditional UPDATE so concurrent submissions of the same code cannot both
// succeed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseflow-hq/authkit"
	"github.com/caseflow-hq/authkit/backupcode"
)

// Provider is an authkit.AccountProvider backed by a pgx connection pool.
type Provider struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*Provider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Provider{pool: pool}, nil
}

// Close releases the pool.
func (p *Provider) Close() {
	p.pool.Close()
}

const accountColumns = `id, tenant_id, email, password_hash, active, twofactor_enabled`

func (p *Provider) GetByEmail(ctx context.Context, email string) (authkit.Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanAccount(row)
}

func (p *Provider) GetByID(ctx context.Context, accountID string) (authkit.Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (authkit.Account, error) {
	var a authkit.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Email, &a.PasswordHash, &a.Active, &a.TwoFactorEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.Account{}, authkit.ErrAccountNotFound
		}
		return authkit.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (p *Provider) GetTwoFactor(ctx context.Context, accountID string) (*authkit.TwoFactorRecord, error) {
	var (
		rec        authkit.TwoFactorRecord
		verifiedAt *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT secret, enabled, verified_at, last_counter
		   FROM twofactor_secrets WHERE account_id = $1`, accountID).
		Scan(&rec.Secret, &rec.Enabled, &verifiedAt, &rec.LastCounter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load twofactor record: %w", err)
	}
	if verifiedAt != nil {
		rec.VerifiedAt = *verifiedAt
	}
	return &rec, nil
}

// StorePendingTwoFactor writes the unverified secret and its backup code set
// in one transaction, replacing any previous pending enrollment.
func (p *Provider) StorePendingTwoFactor(ctx context.Context, accountID string, secret []byte, codes []backupcode.Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enrollment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO twofactor_secrets (account_id, secret, enabled, last_counter)
		 VALUES ($1, $2, false, 0)
		 ON CONFLICT (account_id) DO UPDATE
		   SET secret = EXCLUDED.secret, enabled = false, verified_at = NULL, last_counter = 0`,
		accountID, secret)
	if err != nil {
		return fmt.Errorf("store pending secret: %w", err)
	}

	if err := replaceCodes(ctx, tx, accountID, codes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Provider) ActivateTwoFactor(ctx context.Context, accountID string, verifiedAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE twofactor_secrets SET enabled = true, verified_at = $2
		  WHERE account_id = $1 AND enabled = false`,
		accountID, verifiedAt)
	if err != nil {
		return fmt.Errorf("activate twofactor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authkit.ErrEnrollmentNotStarted
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET twofactor_enabled = true WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("flag account: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Provider) ClearTwoFactor(ctx context.Context, accountID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM twofactor_secrets WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET twofactor_enabled = false WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("unflag account: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Provider) SetTOTPLastCounter(ctx context.Context, accountID string, counter int64) error {
	// Monotonic guard: a slow writer must not move the counter backwards.
	_, err := p.pool.Exec(ctx,
		`UPDATE twofactor_secrets SET last_counter = $2
		  WHERE account_id = $1 AND last_counter < $2`,
		accountID, counter)
	if err != nil {
		return fmt.Errorf("set last counter: %w", err)
	}
	return nil
}

func (p *Provider) ReplaceBackupCodes(ctx context.Context, accountID string, codes []backupcode.Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := replaceCodes(ctx, tx, accountID, codes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode flips exactly one unconsumed row. The WHERE clause is the
// atomicity contract: of concurrent submissions of the same code, only one
// UPDATE reports an affected row.
func (p *Provider) ConsumeBackupCode(ctx context.Context, accountID string, hash [32]byte) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE backup_codes SET consumed = true, consumed_at = now()
		  WHERE account_id = $1 AND code_hash = $2 AND consumed = false`,
		accountID, hash[:])
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func replaceCodes(ctx context.Context, tx pgx.Tx, accountID string, codes []backupcode.Record) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}

	rows := make([][]any, 0, len(codes))
	for _, code := range codes {
		hash := code.Hash
		rows = append(rows, []any{accountID, hash[:], code.Consumed})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"backup_codes"},
		[]string{"account_id", "code_hash", "consumed"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert backup codes: %w", err)
	}
	return nil
}
