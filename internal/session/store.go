package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 4

var (
	ErrNotFound    = errors.New("session not found")
	ErrExpired     = errors.New("session expired")
	ErrState       = errors.New("session state conflict")
	ErrUnavailable = errors.New("session backend unavailable")
)

// Store persists sessions with a TTL equal to their remaining lifetime, so an
// abandoned record disappears on its own even if the expiry read path never
// sees it again.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "tg"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(id string) string {
	return s.prefix + ":sess:" + id
}

func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ErrExpired
	}
	encoded, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.rdb.Set(ctx, s.key(sess.ID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get loads a session and enforces the absolute ceiling. An expired record is
// deleted on sight and reported as ErrExpired, which callers surface
// differently from a record that never existed.
func (s *Store) Get(ctx context.Context, id string, now time.Time) (*Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sess.Expired(now) {
		_, _ = s.rdb.Del(ctx, s.key(id)).Result()
		return nil, ErrExpired
	}
	return sess, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// MarkTwoFactorVerified records a successful second-factor check. The
// transition is conditional: an already verified session returns ErrState, so
// a replayed verification cannot silently succeed. The caller must have
// verified the code before calling this; the two steps are never reordered.
func (s *Store) MarkTwoFactorVerified(ctx context.Context, id string, now time.Time) (*Session, error) {
	return s.update(ctx, id, now, func(sess *Session) error {
		if sess.TwoFactorVerified {
			return ErrState
		}
		sess.PendingTwoFactor = false
		sess.TwoFactorVerified = true
		return nil
	})
}

// ClearTwoFactor forces both flags false. Used when the account's second
// factor is disabled while the session lives on.
func (s *Store) ClearTwoFactor(ctx context.Context, id string, now time.Time) (*Session, error) {
	return s.update(ctx, id, now, func(sess *Session) error {
		sess.PendingTwoFactor = false
		sess.TwoFactorVerified = false
		return nil
	})
}

func (s *Store) update(
	ctx context.Context,
	id string,
	now time.Time,
	mutate func(*Session) error,
) (*Session, error) {
	key := s.key(id)

	for i := 0; i < maxTxRetries; i++ {
		var updated *Session
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := decodeSession(data)
			if err != nil {
				return err
			}
			if sess.Expired(now) {
				_, _ = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return ErrExpired
			}
			if err := mutate(sess); err != nil {
				return err
			}

			encoded, err := encodeSession(sess)
			if err != nil {
				return err
			}
			ttl := sess.ExpiresAt.Sub(now)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = sess
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			if errors.Is(err, ErrExpired) || errors.Is(err, ErrState) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: transaction retries exhausted", ErrUnavailable)
}
