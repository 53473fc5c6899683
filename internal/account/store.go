package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 4

var (
	// ErrNotFound means no account exists for the given key.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken means the email index is already claimed.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("account store unavailable")
	// ErrTwoFactorState means the operation does not match the current
	// two-factor enrollment state (e.g. enabling twice).
	ErrTwoFactorState = errors.New("two-factor state conflict")
)

// Store persists accounts and their backup-code batches in Redis. Mutations
// that must not race run inside WATCH transactions so a concurrent write
// forces a retry instead of a lost update.
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

func (s *Store) acctKey(id string) string {
	return s.prefix + ":acct:" + id
}

func (s *Store) emailKey(email string) string {
	return s.prefix + ":email:" + NormalizeEmail(email)
}

func (s *Store) googleKey(sub string) string {
	return s.prefix + ":ext:google:" + sub
}

func (s *Store) codesKey(id string) string {
	return s.prefix + ":bc:" + id
}

// Create stores a new account. Email uniqueness is enforced by claiming the
// email index with SETNX before the record is written.
func (s *Store) Create(ctx context.Context, a *Account) error {
	encoded, err := encodeAccount(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	claimed, err := s.rdb.SetNX(ctx, s.emailKey(a.Email), a.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !claimed {
		return ErrEmailTaken
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.acctKey(a.ID), encoded, 0)
		if a.GoogleID != "" {
			pipe.Set(ctx, s.googleKey(a.GoogleID), a.ID, 0)
		}
		return nil
	})
	if err != nil {
		// Release the claimed index so the email is not burned by a
		// half-failed create.
		_ = s.rdb.Del(ctx, s.emailKey(a.Email)).Err()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	data, err := s.rdb.Get(ctx, s.acctKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a, err := decodeAccount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return a, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	id, err := s.rdb.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

func (s *Store) GetByGoogleID(ctx context.Context, sub string) (*Account, error) {
	id, err := s.rdb.Get(ctx, s.googleKey(sub)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

// update runs mutate against the current record inside a WATCH transaction
// and writes the result back, retrying on concurrent modification. extra, if
// non-nil, adds commands to the same transaction pipeline.
func (s *Store) update(
	ctx context.Context,
	id string,
	mutate func(*Account) error,
	extra func(redis.Pipeliner),
) (*Account, error) {
	key := s.acctKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var updated *Account
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			a, err := decodeAccount(data)
			if err != nil {
				return err
			}
			if err := mutate(a); err != nil {
				return err
			}
			encoded, err := encodeAccount(a)
			if err != nil {
				return err
			}
			updated = a
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if extra != nil {
					extra(pipe)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			if errors.Is(err, ErrTwoFactorState) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: transaction retries exhausted", ErrUnavailable)
}

// RecordLoginFailure applies the lockout algorithm: an expired lock resets
// the counter to 1 and clears the lock; otherwise the counter increments, and
// crossing the threshold while not locked sets the lock. Returns the updated
// account and whether this call applied a new lock.
func (s *Store) RecordLoginFailure(
	ctx context.Context,
	id string,
	threshold int,
	lockFor time.Duration,
	now time.Time,
) (*Account, bool, error) {
	var newlyLocked bool
	a, err := s.update(ctx, id, func(a *Account) error {
		newlyLocked = false
		if !a.LockedUntil.IsZero() && !a.LockedUntil.After(now) {
			// Lock has expired; this failure starts a fresh count.
			a.FailedLogins = 1
			a.LockedUntil = time.Time{}
		} else {
			a.FailedLogins++
		}
		if int(a.FailedLogins) >= threshold && !a.Locked(now) {
			a.LockedUntil = now.Add(lockFor)
			newlyLocked = true
		}
		a.UpdatedAt = now
		return nil
	}, nil)
	if err != nil {
		return nil, false, err
	}
	return a, newlyLocked, nil
}

// RecordLoginSuccess clears the failure counter and lock and stamps the
// last-login time.
func (s *Store) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (*Account, error) {
	return s.update(ctx, id, func(a *Account) error {
		a.FailedLogins = 0
		a.LockedUntil = time.Time{}
		a.LastLoginAt = now
		a.UpdatedAt = now
		return nil
	}, nil)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	_, err := s.update(ctx, id, func(a *Account) error {
		a.PasswordHash = hash
		a.UpdatedAt = now
		return nil
	}, nil)
	return err
}

// SetPendingSecret stores an unconfirmed two-factor secret. Re-running a
// pending setup replaces the secret; running against an enabled account is a
// state conflict.
func (s *Store) SetPendingSecret(ctx context.Context, id, secret string, now time.Time) error {
	_, err := s.update(ctx, id, func(a *Account) error {
		if a.TwoFactor.Enabled {
			return ErrTwoFactorState
		}
		a.TwoFactor.Secret = secret
		a.UpdatedAt = now
		return nil
	}, nil)
	return err
}

// EnableTwoFactor promotes the pending secret and writes the backup-code
// batch in the same transaction. The caller passes the secret it verified so
// a setup restarted concurrently cannot enable a secret the user never
// confirmed.
func (s *Store) EnableTwoFactor(
	ctx context.Context,
	id, verifiedSecret string,
	codes []BackupCode,
	now time.Time,
) error {
	encodedCodes, err := encodeBackupCodes(codes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = s.update(ctx, id, func(a *Account) error {
		if a.TwoFactor.Enabled {
			return ErrTwoFactorState
		}
		if a.TwoFactor.Secret == "" || a.TwoFactor.Secret != verifiedSecret {
			return ErrTwoFactorState
		}
		a.TwoFactor.Enabled = true
		a.TwoFactor.EnabledAt = now
		a.UpdatedAt = now
		return nil
	}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.codesKey(id), encodedCodes, 0)
	})
	return err
}

// DisableTwoFactor clears the secret, flags, and backup codes together.
func (s *Store) DisableTwoFactor(ctx context.Context, id string, now time.Time) error {
	_, err := s.update(ctx, id, func(a *Account) error {
		if !a.TwoFactor.Enabled {
			return ErrTwoFactorState
		}
		a.TwoFactor = TwoFactorSettings{}
		a.UpdatedAt = now
		return nil
	}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.codesKey(id))
	})
	return err
}

// LinkGoogle attaches a verified external identity and writes its index in
// the same transaction.
func (s *Store) LinkGoogle(ctx context.Context, id, sub string, now time.Time) (*Account, error) {
	return s.update(ctx, id, func(a *Account) error {
		a.GoogleID = sub
		a.UpdatedAt = now
		return nil
	}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.googleKey(sub), id, 0)
	})
}

// ReplaceBackupCodes swaps the entire batch; previous codes are invalidated
// wholesale.
func (s *Store) ReplaceBackupCodes(ctx context.Context, id string, codes []BackupCode) error {
	encoded, err := encodeBackupCodes(codes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.rdb.Set(ctx, s.codesKey(id), encoded, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetBackupCodes(ctx context.Context, id string) ([]BackupCode, error) {
	data, err := s.rdb.Get(ctx, s.codesKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	codes, err := decodeBackupCodes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return codes, nil
}

// ConsumeBackupCode marks the matching unused code as used, exactly once.
// Two concurrent calls with the same code race on the WATCH; the loser
// retries, finds the code already used, and reports no match.
func (s *Store) ConsumeBackupCode(
	ctx context.Context,
	id string,
	hash [32]byte,
	now time.Time,
) (bool, error) {
	key := s.codesKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var consumed bool
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			codes, err := decodeBackupCodes(data)
			if err != nil {
				return err
			}

			consumed = false
			for idx := range codes {
				if codes[idx].Hash == hash && !codes[idx].Used() {
					codes[idx].UsedAt = now
					consumed = true
					break
				}
			}
			if !consumed {
				// Nothing to write; unwatch by finishing without a pipeline.
				return nil
			}

			encoded, err := encodeBackupCodes(codes)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return consumed, nil
	}

	return false, fmt.Errorf("%w: transaction retries exhausted", ErrUnavailable)
}
