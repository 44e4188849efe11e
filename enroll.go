package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/backupcode"
	"github.com/caseflow-hq/authkit/ratelimit"
	"github.com/caseflow-hq/authkit/totp"
)

// StartEnrollment provisions a pending TOTP secret and a fresh backup code
// set for the account. The returned setup is the only time the secret and
// the plaintext codes are visible; the factor stays inactive until
// [Engine.VerifyEnrollment] proves the authenticator was configured.
//
// Calling it again before verification replaces the pending secret, which
// lets a user restart a botched authenticator setup.
func (e *Engine) StartEnrollment(ctx context.Context, accountID string) (*EnrollmentSetup, error) {
	account, err := e.provider.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !account.Active {
		return nil, ErrAccountInactive
	}
	if account.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	secret, secretB32, err := totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	codes, records, err := backupcode.Generate(account.ID)
	if err != nil {
		return nil, err
	}

	if err := e.provider.StorePendingTwoFactor(ctx, account.ID, secret, records); err != nil {
		e.log.Error("pending enrollment store failed", zap.String("account_id", account.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &EnrollmentSetup{
		ProvisioningURI: totp.KeyURI(secretB32, account.Email, e.cfg.Issuer),
		Secret:          secretB32,
		BackupCodes:     codes,
	}, nil
}

// VerifyEnrollment activates the pending factor once the account proves it
// by producing a valid code from the freshly provisioned secret. A wrong
// code leaves the pending enrollment in place for retry.
func (e *Engine) VerifyEnrollment(ctx context.Context, accountID, code string) error {
	if err := e.checkLimit(ctx, "acct:"+accountID, ratelimit.ClassTwoFactor, accountID, ""); err != nil {
		return err
	}

	account, err := e.provider.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if account.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	rec, err := e.provider.GetTwoFactor(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rec == nil || len(rec.Secret) == 0 {
		return ErrEnrollmentNotStarted
	}

	trimmed := strings.TrimSpace(code)
	if !totp.ValidFormat(trimmed) {
		e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
			"reason": "enrollment_code_malformed",
		})
		return ErrInvalidCodeFormat
	}

	ok, counter := totp.VerifyCode(rec.Secret, trimmed, e.now())
	if !ok {
		e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
			"reason": "enrollment_code_mismatch",
		})
		return ErrInvalidCode
	}

	if err := e.provider.ActivateTwoFactor(ctx, account.ID, e.now()); err != nil {
		e.log.Error("enrollment activation failed", zap.String("account_id", account.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := e.provider.SetTOTPLastCounter(ctx, account.ID, counter); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.emit(ctx, audit.KindTwoFactorEnabled, account.ID, account.TenantID, nil)
	return nil
}

// DisableTwoFactor removes the active factor and its backup codes. It
// demands a currently valid TOTP or backup code so a hijacked session cannot
// silently strip the account's second factor.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID, code string) error {
	if err := e.checkLimit(ctx, "acct:"+accountID, ratelimit.ClassTwoFactor, accountID, ""); err != nil {
		return err
	}

	account, err := e.provider.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !account.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if _, err := e.verifySecondFactor(ctx, account, code); err != nil {
		return err
	}

	if err := e.provider.ClearTwoFactor(ctx, account.ID); err != nil {
		e.log.Error("two-factor clear failed", zap.String("account_id", account.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.emit(ctx, audit.KindTwoFactorDisabled, account.ID, account.TenantID, nil)
	return nil
}

// RegenerateBackupCodes replaces the whole backup code set, invalidating any
// unconsumed codes. Only available while a factor is active.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	account, err := e.provider.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !account.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, records, err := backupcode.Generate(account.ID)
	if err != nil {
		return nil, err
	}
	if err := e.provider.ReplaceBackupCodes(ctx, account.ID, records); err != nil {
		e.log.Error("backup code replacement failed", zap.String("account_id", account.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.emit(ctx, audit.KindBackupCodesRegenerated, account.ID, account.TenantID, nil)
	return codes, nil
}
