package authkit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/ratelimit"
	"github.com/caseflow-hq/authkit/totp"
)

func TestLoginPasswordOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", TenantID: "firm-9", Email: "partner@firm.example", Active: true}, "hunter2-but-long")

	result, err := env.engine.Login(context.Background(), LoginRequest{
		Email:    "Partner@Firm.Example",
		Password: "hunter2-but-long",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Status != StatusAuthenticated {
		t.Fatalf("status = %v, want StatusAuthenticated", result.Status)
	}
	if result.SessionToken == "" {
		t.Fatal("expected a session token")
	}
	if result.ChallengeID != "" {
		t.Fatalf("unexpected challenge id %q", result.ChallengeID)
	}

	event := drainKinds(t, env.events, audit.KindLogin, time.Second)
	if event.SubjectID != "acct-1" || event.TenantID != "firm-9" {
		t.Fatalf("audit subject = %q/%q", event.SubjectID, event.TenantID)
	}
	if event.Metadata["two_factor_used"] != "false" {
		t.Fatalf("metadata = %v", event.Metadata)
	}
}

func TestLoginRejectionsAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "real@firm.example", Active: true}, "correct-password")

	_, unknownErr := env.engine.Login(context.Background(), LoginRequest{
		Email:    "ghost@firm.example",
		Password: "whatever",
	})
	_, wrongErr := env.engine.Login(context.Background(), LoginRequest{
		Email:    "real@firm.example",
		Password: "incorrect",
	})

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("errors = %v / %v, want ErrInvalidCredentials", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("rejection messages differ: %q vs %q", unknownErr, wrongErr)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "gone@firm.example", Active: false}, "correct-password")

	// Wrong password on an inactive account must still read as invalid
	// credentials, not as inactive.
	_, err := env.engine.Login(context.Background(), LoginRequest{Email: "gone@firm.example", Password: "incorrect"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	_, err = env.engine.Login(context.Background(), LoginRequest{Email: "gone@firm.example", Password: "correct-password"})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("err = %v, want ErrAccountInactive", err)
	}
}

func TestLoginTwoFactorFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", TenantID: "firm-9", Email: "assoc@firm.example", Active: true}, "correct-password")
	secret := []byte("12345678901234567890")
	env.enableTwoFactor(t, "acct-1", secret)

	ctx := context.Background()

	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if first.Status != StatusRequires2FA {
		t.Fatalf("status = %v, want StatusRequires2FA", first.Status)
	}
	if first.ChallengeID == "" {
		t.Fatal("expected a challenge id")
	}
	if first.SessionToken != "" {
		t.Fatal("no token may be issued before the second factor")
	}

	second, err := env.engine.Login(ctx, LoginRequest{
		Email:       "assoc@firm.example",
		Password:    "correct-password",
		ChallengeID: first.ChallengeID,
		Code:        totp.GenerateCode(secret, time.Now()),
	})
	if err != nil {
		t.Fatalf("code step: %v", err)
	}
	if second.Status != StatusAuthenticated || second.SessionToken == "" {
		t.Fatalf("result = %+v, want authenticated with token", second)
	}
	if second.UsedBackupCode {
		t.Fatal("TOTP completion must not report a backup code")
	}

	event := drainKinds(t, env.events, audit.KindLogin, time.Second)
	if event.Metadata["two_factor_used"] != "true" {
		t.Fatalf("metadata = %v", event.Metadata)
	}
}

func TestLoginChallengeSingleUse(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	secret := []byte("12345678901234567890")
	env.enableTwoFactor(t, "acct-1", secret)

	ctx := context.Background()
	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}

	code := totp.GenerateCode(secret, time.Now())
	complete := LoginRequest{
		Email:       "assoc@firm.example",
		Password:    "correct-password",
		ChallengeID: first.ChallengeID,
		Code:        code,
	}

	if _, err := env.engine.Login(ctx, complete); err != nil {
		t.Fatalf("code step: %v", err)
	}
	if _, err := env.engine.Login(ctx, complete); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("replayed challenge err = %v, want ErrChallengeExpired", err)
	}
}

func TestLoginBackupCodeCompletion(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	codes := env.enableTwoFactor(t, "acct-1", []byte("12345678901234567890"))

	ctx := context.Background()
	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}

	// Lowercase with padding and the display separator: input normalization
	// must cover all of it.
	submitted := "  " + strings.ToLower(codes[0]) + " "
	result, err := env.engine.Login(ctx, LoginRequest{
		Email:       "assoc@firm.example",
		Password:    "correct-password",
		ChallengeID: first.ChallengeID,
		Code:        submitted,
	})
	if err != nil {
		t.Fatalf("backup code step: %v", err)
	}
	if !result.UsedBackupCode {
		t.Fatal("result must report backup code usage")
	}
	if got := env.provider.unconsumedCodes("acct-1"); got != 7 {
		t.Fatalf("unconsumed codes = %d, want 7", got)
	}

	drainKinds(t, env.events, audit.KindBackupCodeUsed, time.Second)

	// The consumed code is dead even for a fresh challenge.
	again, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("second password step: %v", err)
	}
	_, err = env.engine.Login(ctx, LoginRequest{
		Email:       "assoc@firm.example",
		Password:    "correct-password",
		ChallengeID: again.ChallengeID,
		Code:        codes[0],
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("consumed code err = %v, want ErrInvalidCode", err)
	}
}

func TestLoginTOTPReplayRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	secret := []byte("12345678901234567890")
	env.enableTwoFactor(t, "acct-1", secret)

	ctx := context.Background()
	code := totp.GenerateCode(secret, time.Now())

	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if _, err := env.engine.Login(ctx, LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
		ChallengeID: first.ChallengeID, Code: code,
	}); err != nil {
		t.Fatalf("code step: %v", err)
	}

	// The same code on a fresh challenge is a replay of an accepted step.
	second, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("second password step: %v", err)
	}
	_, err = env.engine.Login(ctx, LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
		ChallengeID: second.ChallengeID, Code: code,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("replayed TOTP err = %v, want ErrInvalidCode", err)
	}
}

func TestLoginChallengeAttemptBudget(t *testing.T) {
	env := newTestEnv(t, Config{Challenge: ChallengeConfig{MaxAttempts: 2}})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	env.enableTwoFactor(t, "acct-1", []byte("12345678901234567890"))

	ctx := context.Background()
	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}

	bad := LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
		ChallengeID: first.ChallengeID, Code: "000000",
	}

	if _, err := env.engine.Login(ctx, bad); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("first failure err = %v, want ErrInvalidCode", err)
	}
	if _, err := env.engine.Login(ctx, bad); !errors.Is(err, ErrChallengeExhausted) {
		t.Fatalf("budget-exceeding err = %v, want ErrChallengeExhausted", err)
	}
	// The challenge is destroyed, not merely locked.
	if _, err := env.engine.Login(ctx, bad); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("post-exhaustion err = %v, want ErrChallengeExpired", err)
	}
}

func TestLoginChallengeExpiry(t *testing.T) {
	env := newTestEnv(t, Config{Challenge: ChallengeConfig{TTL: time.Minute}})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	secret := []byte("12345678901234567890")
	env.enableTwoFactor(t, "acct-1", secret)

	ctx := context.Background()
	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}

	env.redis.FastForward(2 * time.Minute)

	_, err = env.engine.Login(ctx, LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
		ChallengeID: first.ChallengeID, Code: totp.GenerateCode(secret, time.Now()),
	})
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expired challenge err = %v, want ErrChallengeExpired", err)
	}
}

func TestLoginMalformedCode(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	env.enableTwoFactor(t, "acct-1", []byte("12345678901234567890"))

	ctx := context.Background()
	first, err := env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}

	_, err = env.engine.Login(ctx, LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
		ChallengeID: first.ChallengeID, Code: "not a code!",
	})
	if !errors.Is(err, ErrInvalidCodeFormat) {
		t.Fatalf("malformed code err = %v, want ErrInvalidCodeFormat", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{
		RateLimit: ratelimit.Config{Auth: ratelimit.Budget{Limit: 2, Window: time.Minute}},
	})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")

	ctx := context.Background()
	req := LoginRequest{Email: "assoc@firm.example", Password: "incorrect"}

	for i := 0; i < 2; i++ {
		if _, err := env.engine.Login(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	_, err := env.engine.Login(ctx, req)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err %T does not carry RateLimitError details", err)
	}
	if limitErr.Limit != 2 {
		t.Fatalf("limit = %d, want 2", limitErr.Limit)
	}
	if limitErr.RetryAfter(time.Now()) > time.Minute {
		t.Fatalf("retry-after = %s, exceeds the window", limitErr.RetryAfter(time.Now()))
	}

	drainKinds(t, env.events, audit.KindRateLimitExceeded, time.Second)

	// The correct password is equally rejected while the budget is exhausted.
	_, err = env.engine.Login(ctx, LoginRequest{Email: "assoc@firm.example", Password: "correct-password"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestLoginStorageFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addAccount(t, Account{ID: "acct-1", Email: "assoc@firm.example", Active: true}, "correct-password")
	env.provider.setFail(true)

	_, err := env.engine.Login(context.Background(), LoginRequest{
		Email: "assoc@firm.example", Password: "correct-password",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestLoginUnknownEmailAudited(t *testing.T) {
	env := newTestEnv(t, Config{})

	ctx := WithClientIP(WithUserAgent(context.Background(), "integration-test/1.0"), "203.0.113.7")
	_, err := env.engine.Login(ctx, LoginRequest{Email: "ghost@firm.example", Password: "whatever"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	event := drainKinds(t, env.events, audit.KindLoginFailed, time.Second)
	if event.SubjectID != audit.SubjectUnknown {
		t.Fatalf("subject = %q, want %q", event.SubjectID, audit.SubjectUnknown)
	}
	if event.IP != "203.0.113.7" || event.UserAgent != "integration-test/1.0" {
		t.Fatalf("request context not recorded: ip=%q ua=%q", event.IP, event.UserAgent)
	}
}
