package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/backupcode"
	"github.com/caseflow-hq/authkit/ratelimit"
	"github.com/caseflow-hq/authkit/totp"
)

// Login runs the credential verification state machine.
//
// A request carrying only email and password either authenticates fully (no
// second factor enrolled) or returns StatusRequires2FA with a challenge id.
// A request carrying a challenge id and code completes that challenge; the
// email and password must be presented again and are re-verified, so a leaked
// challenge id alone grants nothing.
//
// Rejections deliberately collapse to a small error set: unknown email and
// wrong password are byte-identical ErrInvalidCredentials, and the account's
// inactive state surfaces only after the password verified.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if err := e.checkLimit(ctx, "email:"+email, ratelimit.ClassAuth, audit.SubjectUnknown, ""); err != nil {
		return nil, err
	}
	if ip := clientIPFromContext(ctx); ip != "" {
		if err := e.checkLimit(ctx, "ip:"+ip, ratelimit.ClassAuth, audit.SubjectUnknown, ""); err != nil {
			return nil, err
		}
	}

	account, err := e.provider.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Burn the same argon2 work as a real verification so response
			// timing does not reveal whether the email is registered.
			_, _ = e.hasher.Verify(req.Password, e.dummyHash)
			e.emit(ctx, audit.KindLoginFailed, audit.SubjectUnknown, "", map[string]string{
				"reason": "unknown_email",
			})
			return nil, ErrInvalidCredentials
		}
		e.log.Error("account lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	ok, err := e.hasher.Verify(req.Password, account.PasswordHash)
	if err != nil {
		e.log.Error("stored password hash unreadable", zap.String("account_id", account.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
			"reason": "wrong_password",
		})
		return nil, ErrInvalidCredentials
	}

	if !account.Active {
		e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
			"reason": "account_inactive",
		})
		return nil, ErrAccountInactive
	}

	if account.TwoFactorEnabled {
		if req.ChallengeID == "" {
			return e.issueChallenge(ctx, account)
		}
		usedBackup, err := e.completeChallenge(ctx, account, req.ChallengeID, req.Code)
		if err != nil {
			return nil, err
		}
		return e.grantSession(ctx, account, usedBackup)
	}

	return e.grantSession(ctx, account, false)
}

func (e *Engine) issueChallenge(ctx context.Context, account Account) (*LoginResult, error) {
	challengeID := uuid.NewString()
	now := e.now()

	record := &loginChallenge{
		AccountID: account.ID,
		TenantID:  account.TenantID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(e.cfg.Challenge.TTL).Unix(),
	}
	if err := e.challenge.Save(ctx, challengeID, record, e.cfg.Challenge.TTL); err != nil {
		e.log.Error("challenge save failed", zap.String("account_id", account.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &LoginResult{
		Status:      StatusRequires2FA,
		ChallengeID: challengeID,
	}, nil
}

func (e *Engine) completeChallenge(ctx context.Context, account Account, challengeID, code string) (bool, error) {
	if err := e.checkLimit(ctx, "acct:"+account.ID, ratelimit.ClassTwoFactor, account.ID, account.TenantID); err != nil {
		return false, err
	}

	record, err := e.challenge.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) {
			e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
				"reason": "challenge_expired",
			})
			return false, ErrChallengeExpired
		}
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if record.AccountID != account.ID {
		// Challenge issued for some other account. Treat it as expired so the
		// response leaks nothing about whose it was.
		e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
			"reason": "challenge_subject_mismatch",
		})
		return false, ErrChallengeExpired
	}

	usedBackup, verifyErr := e.verifySecondFactor(ctx, account, code)
	if verifyErr != nil {
		if errors.Is(verifyErr, ErrInvalidCode) || errors.Is(verifyErr, ErrInvalidCodeFormat) {
			exceeded, recErr := e.challenge.RecordFailure(ctx, challengeID, e.cfg.Challenge.MaxAttempts)
			if recErr != nil && !errors.Is(recErr, errChallengeNotFound) {
				return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, recErr)
			}
			if exceeded {
				e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
					"reason": "challenge_attempts_exhausted",
				})
				return false, ErrChallengeExhausted
			}
		}
		return false, verifyErr
	}

	// Single use: whoever deletes the record wins. A false here means another
	// request already consumed this challenge, so this one is a replay.
	deleted, err := e.challenge.Delete(ctx, challengeID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !deleted {
		e.emit(ctx, audit.KindLoginFailed, account.ID, account.TenantID, map[string]string{
			"reason": "challenge_replayed",
		})
		return false, ErrChallengeExpired
	}

	return usedBackup, nil
}

// verifySecondFactor checks a submitted code against the account's TOTP
// secret, falling back to the backup code set. Verification failures on the
// storage layer fail closed.
func (e *Engine) verifySecondFactor(ctx context.Context, account Account, code string) (bool, error) {
	trimmed := strings.TrimSpace(code)

	if totp.ValidFormat(trimmed) {
		rec, err := e.provider.GetTwoFactor(ctx, account.ID)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if rec == nil || !rec.Enabled {
			return false, ErrTwoFactorNotEnabled
		}

		ok, counter := totp.VerifyCode(rec.Secret, trimmed, e.now())
		if !ok {
			e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
				"reason": "totp_mismatch",
			})
			return false, ErrInvalidCode
		}
		if counter <= rec.LastCounter {
			e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
				"reason": "totp_replay",
			})
			return false, ErrInvalidCode
		}
		if err := e.provider.SetTOTPLastCounter(ctx, account.ID, counter); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return false, nil
	}

	canonical := backupcode.Canonicalize(trimmed)
	if !backupcode.ValidFormat(canonical) {
		e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
			"reason": "code_malformed",
		})
		return false, ErrInvalidCodeFormat
	}

	consumed, err := e.provider.ConsumeBackupCode(ctx, account.ID, backupcode.Hash(account.ID, canonical))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !consumed {
		e.emit(ctx, audit.KindValidationFailed, account.ID, account.TenantID, map[string]string{
			"reason": "backup_code_rejected",
		})
		return false, ErrInvalidCode
	}

	e.emit(ctx, audit.KindBackupCodeUsed, account.ID, account.TenantID, nil)
	return true, nil
}

func (e *Engine) grantSession(ctx context.Context, account Account, usedBackup bool) (*LoginResult, error) {
	token, err := e.issuer.Issue(ctx, account)
	if err != nil {
		e.log.Error("session issuance failed", zap.String("account_id", account.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	metadata := map[string]string{
		"two_factor_used": fmt.Sprintf("%t", account.TwoFactorEnabled),
	}
	if usedBackup {
		metadata["backup_code"] = "true"
	}
	e.emit(ctx, audit.KindLogin, account.ID, account.TenantID, metadata)

	return &LoginResult{
		Status:         StatusAuthenticated,
		SessionToken:   token,
		UsedBackupCode: usedBackup,
	}, nil
}
