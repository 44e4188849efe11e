package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	errChallengeNotFound = errors.New("login challenge not found")
	errChallengeBackend  = errors.New("login challenge backend unavailable")
)

// loginChallenge is the ephemeral record bridging a successful password
// check and the pending second-factor verification. It lives only in Redis,
// under the store's own TTL, and is destroyed on first success or when the
// attempt budget is exhausted.
type loginChallenge struct {
	AccountID string `json:"account_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Attempts  int    `json:"attempts"`
}

type challengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func newChallengeStore(client redis.UniversalClient, prefix string) *challengeStore {
	return &challengeStore{redis: client, prefix: prefix, now: time.Now}
}

func (s *challengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeID
}

func (s *challengeStore) Save(ctx context.Context, challengeID string, record *loginChallenge, ttl time.Duration) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

// Get returns the challenge or errChallengeNotFound for a missing or expired
// record. Expiry is checked on read as well, in case the backend's own TTL
// has not fired yet.
func (s *challengeStore) Get(ctx context.Context, challengeID string) (*loginChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	record := &loginChallenge{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errChallengeNotFound
	}
	return record, nil
}

// Delete removes the challenge and reports whether this call removed it.
// A false return on a successful verification is a replay: some other
// request consumed the challenge first.
func (s *challengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure atomically increments the attempt counter under WATCH and
// reports whether the budget is now exhausted, in which case the challenge
// is destroyed ahead of its TTL.
func (s *challengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record := &loginChallenge{}
			if err := json.Unmarshal(data, record); err != nil {
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if s.now().Unix() > record.ExpiresAt || ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeNotFound
			}

			record.Attempts++
			if record.Attempts >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := json.Marshal(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, errChallengeNotFound) {
				return false, errChallengeNotFound
			}
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errChallengeNotFound
}
