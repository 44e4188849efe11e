package authkit

import (
	"context"
	"time"

	"github.com/caseflow-hq/authkit/backupcode"
)

// Account is the credential root returned by [AccountProvider]. The password
// hash is never logged, never placed in audit metadata, and never returned
// through the engine's surface.
type Account struct {
	ID               string
	TenantID         string
	Email            string
	PasswordHash     string
	Active           bool
	TwoFactorEnabled bool
}

// TwoFactorRecord is an account's enrolled (or pending) TOTP state.
// Enabled implies a non-empty secret; a record with Enabled=false and a
// secret is a pending enrollment awaiting verification.
type TwoFactorRecord struct {
	Secret      []byte
	Enabled     bool
	VerifiedAt  time.Time // zero while pending
	LastCounter int64     // last accepted TOTP step, for replay rejection
}

// AccountProvider is the persistence boundary the consuming application
// implements. GetByEmail and GetByID return [ErrAccountNotFound] for missing
// accounts.
//
// ConsumeBackupCode must be atomic against the stored set: of any number of
// concurrent calls presenting the same unconsumed hash, exactly one may
// return true. Conditional update (or equivalent optimistic concurrency) is
// required; read-modify-write in application memory is not acceptable.
type AccountProvider interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByID(ctx context.Context, accountID string) (Account, error)

	GetTwoFactor(ctx context.Context, accountID string) (*TwoFactorRecord, error)
	StorePendingTwoFactor(ctx context.Context, accountID string, secret []byte, codes []backupcode.Record) error
	ActivateTwoFactor(ctx context.Context, accountID string, verifiedAt time.Time) error
	ClearTwoFactor(ctx context.Context, accountID string) error
	SetTOTPLastCounter(ctx context.Context, accountID string, counter int64) error

	ReplaceBackupCodes(ctx context.Context, accountID string, codes []backupcode.Record) error
	ConsumeBackupCode(ctx context.Context, accountID string, hash [32]byte) (bool, error)
}

// SessionIssuer mints the session grant value returned on full
// authentication. The shipped implementation is token.Manager; applications
// with their own session layer inject theirs.
type SessionIssuer interface {
	Issue(ctx context.Context, account Account) (string, error)
}

type sessionIssuerFunc func(ctx context.Context, account Account) (string, error)

func (f sessionIssuerFunc) Issue(ctx context.Context, account Account) (string, error) {
	return f(ctx, account)
}

// LoginStatus is the terminal state of a login call that did not error.
type LoginStatus uint8

const (
	// StatusAuthenticated means credentials (and the second factor, when
	// enabled) verified and a session grant was issued.
	StatusAuthenticated LoginStatus = iota
	// StatusRequires2FA means the password verified but a second factor is
	// outstanding; the result carries the challenge id to complete with.
	StatusRequires2FA
)

// LoginRequest is the input to [Engine.Login]. Code and ChallengeID are set
// only on the completing call of a two-step login.
type LoginRequest struct {
	Email       string
	Password    string
	Code        string
	ChallengeID string
}

// LoginResult is the success shape of [Engine.Login].
type LoginResult struct {
	Status LoginStatus

	// ChallengeID correlates the pending second-factor verification.
	// Set only when Status is StatusRequires2FA.
	ChallengeID string

	// SessionToken is the session grant. Set only when Status is
	// StatusAuthenticated.
	SessionToken string

	// UsedBackupCode reports that the second factor was satisfied by a
	// one-time backup code rather than a TOTP code.
	UsedBackupCode bool
}

// EnrollmentSetup is returned by [Engine.StartEnrollment]. Secret and
// BackupCodes are shown to the user exactly once and are not retrievable
// again.
type EnrollmentSetup struct {
	// ProvisioningURI is the otpauth://totp URI for QR rendering.
	ProvisioningURI string
	// Secret is the base32 manual-entry form of the pending secret.
	Secret string
	// BackupCodes are the eight plaintext recovery codes.
	BackupCodes []string
}
