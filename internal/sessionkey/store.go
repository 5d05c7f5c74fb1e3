package sessionkey

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

// Wallet is the user's connected wallet account.
type Wallet interface {
	// Address returns the connected account, or an error wrapping
	// sealerr.ErrWalletUnavailable when none is connected.
	Address(ctx context.Context) (sui.Address, error)
	// SignPersonalMessage prompts the user. A decline returns an error
	// wrapping sealerr.ErrWalletRejected.
	SignPersonalMessage(ctx context.Context, msg []byte) (string, error)
}

// Store holds at most one session key. Readers always observe either the
// whole previous key or the whole new one.
type Store struct {
	wallet Wallet
	now    func() time.Time
	logger *zap.Logger

	current atomic.Pointer[SessionKey]
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for key lifecycle events. Defaults to a no-op
// logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store. wallet may be nil; Initialize then fails with
// ErrWalletUnavailable.
func NewStore(wallet Wallet, opts ...Option) *Store {
	s := &Store{wallet: wallet, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates a session key for owner and packageID, asks the wallet
// to sign its certificate exactly once, and installs it on success. The
// previous key, if any, stays in place when this fails.
func (s *Store) Initialize(ctx context.Context, owner sui.Address, packageID sui.ObjectID, ttl time.Duration) (*SessionKey, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("%w: no wallet connected", sealerr.ErrWalletUnavailable)
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}

	account, err := s.wallet.Address(ctx)
	if err != nil {
		if errors.Is(err, sealerr.ErrWalletUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", sealerr.ErrWalletUnavailable, err)
	}
	if account != owner {
		return nil, fmt.Errorf("%w: connected account %s is not %s", sealerr.ErrWalletUnavailable, account, owner)
	}

	kp, err := sui.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	key := &SessionKey{
		owner:     owner,
		packageID: packageID,
		created:   s.now().UTC().Truncate(time.Millisecond),
		ttl:       ttl,
		keyPair:   kp,
	}

	sig, err := s.wallet.SignPersonalMessage(ctx, key.Message())
	if err != nil {
		if errors.Is(err, sealerr.ErrWalletUnavailable) || errors.Is(err, sealerr.ErrWalletRejected) {
			return nil, err
		}
		// A dismissed prompt surfaces as a cancelled context or a
		// wallet-specific error; both count as a rejection.
		return nil, fmt.Errorf("%w: %v", sealerr.ErrWalletRejected, err)
	}
	key.signature = sig

	s.current.Store(key)
	s.logger.Info("session key initialized",
		zap.Stringer("owner", owner),
		zap.Stringer("package", packageID),
		zap.Time("expires", key.Expiry()))
	return key, nil
}

// Current returns the active key. An expired key is dropped and reported
// as absent.
func (s *Store) Current() (*SessionKey, bool) {
	key := s.current.Load()
	if key == nil {
		return nil, false
	}
	if key.ExpiredAt(s.now()) {
		if s.current.CompareAndSwap(key, nil) {
			s.logger.Info("session key expired", zap.Time("expired", key.Expiry()))
		}
		return nil, false
	}
	return key, true
}

// Snapshot returns the installed key as is, expired or not, so callers can
// tell an expired session from a missing one.
func (s *Store) Snapshot() *SessionKey {
	return s.current.Load()
}

// Invalidate discards the current key.
func (s *Store) Invalidate() {
	if s.current.Swap(nil) != nil {
		s.logger.Info("session key invalidated")
	}
}

// Set installs a previously exported key.
func (s *Store) Set(key *SessionKey) error {
	if key == nil {
		return errors.New("nil session key")
	}
	if key.ExpiredAt(s.now()) {
		return sealerr.ErrSessionKeyExpired
	}
	s.current.Store(key)
	return nil
}
