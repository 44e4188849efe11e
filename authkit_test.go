package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/backupcode"
	"github.com/caseflow-hq/authkit/password"
	"github.com/caseflow-hq/authkit/token"
)

// Low argon2 cost so the suite stays fast.
var testPasswordConfig = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

var errProviderDown = errors.New("provider down")

// memProvider is an in-memory AccountProvider for exercising the engine.
type memProvider struct {
	mu       sync.Mutex
	accounts map[string]Account
	byEmail  map[string]string
	twofa    map[string]*TwoFactorRecord
	codes    map[string][]backupcode.Record

	// failAll makes every method report a backend failure.
	failAll bool
}

func newMemProvider() *memProvider {
	return &memProvider{
		accounts: make(map[string]Account),
		byEmail:  make(map[string]string),
		twofa:    make(map[string]*TwoFactorRecord),
		codes:    make(map[string][]backupcode.Record),
	}
}

func (p *memProvider) add(account Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[account.ID] = account
	p.byEmail[account.Email] = account.ID
}

func (p *memProvider) GetByEmail(_ context.Context, email string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return Account{}, errProviderDown
	}
	id, ok := p.byEmail[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return p.accounts[id], nil
}

func (p *memProvider) GetByID(_ context.Context, accountID string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return Account{}, errProviderDown
	}
	account, ok := p.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (p *memProvider) GetTwoFactor(_ context.Context, accountID string) (*TwoFactorRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return nil, errProviderDown
	}
	rec, ok := p.twofa[accountID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (p *memProvider) StorePendingTwoFactor(_ context.Context, accountID string, secret []byte, codes []backupcode.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errProviderDown
	}
	p.twofa[accountID] = &TwoFactorRecord{Secret: secret}
	p.codes[accountID] = append([]backupcode.Record(nil), codes...)
	return nil
}

func (p *memProvider) ActivateTwoFactor(_ context.Context, accountID string, verifiedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errProviderDown
	}
	rec, ok := p.twofa[accountID]
	if !ok {
		return errors.New("no pending enrollment")
	}
	rec.Enabled = true
	rec.VerifiedAt = verifiedAt

	account := p.accounts[accountID]
	account.TwoFactorEnabled = true
	p.accounts[accountID] = account
	return nil
}

func (p *memProvider) ClearTwoFactor(_ context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errProviderDown
	}
	delete(p.twofa, accountID)
	delete(p.codes, accountID)

	account := p.accounts[accountID]
	account.TwoFactorEnabled = false
	p.accounts[accountID] = account
	return nil
}

func (p *memProvider) SetTOTPLastCounter(_ context.Context, accountID string, counter int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errProviderDown
	}
	if rec, ok := p.twofa[accountID]; ok {
		rec.LastCounter = counter
	}
	return nil
}

func (p *memProvider) ReplaceBackupCodes(_ context.Context, accountID string, codes []backupcode.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errProviderDown
	}
	p.codes[accountID] = append([]backupcode.Record(nil), codes...)
	return nil
}

func (p *memProvider) ConsumeBackupCode(_ context.Context, accountID string, hash [32]byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return false, errProviderDown
	}
	for i, rec := range p.codes[accountID] {
		if rec.Hash == hash && !rec.Consumed {
			p.codes[accountID][i].Consumed = true
			return true, nil
		}
	}
	return false, nil
}

func (p *memProvider) unconsumedCodes(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.codes[accountID] {
		if !rec.Consumed {
			n++
		}
	}
	return n
}

func (p *memProvider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = fail
}

type testEnv struct {
	engine   *Engine
	provider *memProvider
	redis    *miniredis.Miniredis
	events   *audit.ChannelSink
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := newMemProvider()
	events := audit.NewChannelSink(64)

	cfg.Password = testPasswordConfig
	if cfg.SessionTokens.SigningKey == nil {
		cfg.SessionTokens = token.Config{SigningKey: testSigningKey, Issuer: "caseflow-test"}
	}

	engine, err := New().
		WithRedis(client).
		WithProvider(provider).
		WithAuditSink(events).
		WithConfig(cfg).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, provider: provider, redis: mr, events: events}
}

// addAccount hashes the password with the test hasher and registers the
// account.
func (env *testEnv) addAccount(t *testing.T, account Account, plaintext string) {
	t.Helper()
	hash, err := password.New(testPasswordConfig).Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	account.PasswordHash = hash
	env.provider.add(account)
}

// enableTwoFactor installs an active TOTP secret and backup codes directly,
// bypassing the enrollment flow.
func (env *testEnv) enableTwoFactor(t *testing.T, accountID string, secret []byte) []string {
	t.Helper()
	codes, records, err := backupcode.Generate(accountID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env.provider.mu.Lock()
	env.provider.twofa[accountID] = &TwoFactorRecord{Secret: secret, Enabled: true, VerifiedAt: time.Now()}
	env.provider.codes[accountID] = records
	account := env.provider.accounts[accountID]
	account.TwoFactorEnabled = true
	env.provider.accounts[accountID] = account
	env.provider.mu.Unlock()

	return codes
}

func drainKinds(t *testing.T, sink *audit.ChannelSink, want audit.Kind, timeout time.Duration) audit.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-sink.Events():
			if event.Kind == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s audit event within %s", want, timeout)
		}
	}
}
