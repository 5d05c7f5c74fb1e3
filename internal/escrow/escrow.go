// Package escrow keeps time-locked copies of backup keys on disk. A
// deposited key can be recovered by anyone holding the data directory once
// the time authority publishes the unlock round.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"groupseal/internal/identity"
	"groupseal/internal/timeauth"
)

const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"

	metaFile       = "meta.json"
	ciphertextFile = "ciphertext.bin"
)

// ErrNotYetUnlockable is returned by Recover before the unlock round.
var ErrNotYetUnlockable = errors.New("escrow item is not yet unlockable")

// ErrNotFound is returned for an unknown item id.
var ErrNotFound = errors.New("escrow item not found")

// Item is the stored metadata of one deposit.
type Item struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Identity      string    `json:"identity"`
	UnlockTime    time.Time `json:"unlock_time"`
	TimeAuthority string    `json:"time_authority"`
	TargetRound   uint64    `json:"target_round"`
	CreatedAt     time.Time `json:"created_at"`
	LockedKey     string    `json:"locked_key"`
	HasCiphertext bool      `json:"has_ciphertext"`
}

// Deposit is one backup key to escrow.
type Deposit struct {
	BackupKey  []byte
	Identity   identity.Identity
	UnlockTime time.Time
	// Ciphertext, when set, is stored next to the key so the item can be
	// opened without the original file.
	Ciphertext []byte
}

// Store is a directory of escrow items, one subdirectory per item.
type Store struct {
	dir       string
	authority timeauth.Authority
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore opens dir. The directory is created on first deposit.
func NewStore(dir string, authority timeauth.Authority, opts ...Option) *Store {
	s := &Store{dir: dir, authority: authority, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Deposit time-locks d.BackupKey to the round at d.UnlockTime and stores it.
func (s *Store) Deposit(ctx context.Context, d Deposit) (*Item, error) {
	if len(d.BackupKey) == 0 {
		return nil, errors.New("backup key is empty")
	}
	if err := d.Identity.Validate(); err != nil {
		return nil, err
	}
	unlock := d.UnlockTime.UTC()
	if !unlock.After(s.now()) {
		return nil, errors.New("unlock time must be in the future")
	}

	round, err := s.authority.RoundAt(ctx, unlock)
	if err != nil {
		return nil, fmt.Errorf("failed to compute unlock round: %w", err)
	}
	locked, err := s.authority.Lock(d.BackupKey, round)
	if err != nil {
		return nil, fmt.Errorf("failed to time-lock backup key: %w", err)
	}

	item := Item{
		ID:            uuid.NewString(),
		State:         StateLocked,
		Identity:      d.Identity.String(),
		UnlockTime:    unlock,
		TimeAuthority: s.authority.Name(),
		TargetRound:   round,
		CreatedAt:     s.now().UTC(),
		LockedKey:     locked,
		HasCiphertext: len(d.Ciphertext) > 0,
	}

	itemDir := filepath.Join(s.dir, item.ID)
	if err := os.MkdirAll(itemDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create item directory: %w", err)
	}
	if item.HasCiphertext {
		if err := writeAtomic(filepath.Join(itemDir, ciphertextFile), d.Ciphertext); err != nil {
			os.RemoveAll(itemDir)
			return nil, err
		}
	}
	if err := saveMetadata(itemDir, item); err != nil {
		os.RemoveAll(itemDir)
		return nil, err
	}

	s.logger.Info("backup key escrowed",
		zap.String("id", item.ID),
		zap.Time("unlock_time", item.UnlockTime),
		zap.Uint64("round", round))
	return &item, nil
}

// List returns all items, oldest first. It does not contact the authority.
func (s *Store) List() ([]Item, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read escrow directory: %w", err)
	}

	items := []Item{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		item, err := loadMetadata(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable escrow item", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Get loads one item.
func (s *Store) Get(id string) (Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Item{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	item, err := loadMetadata(filepath.Join(s.dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item, err
}

// Recover returns the backup key of item id once its round is published.
// The first successful recovery marks the item unlocked.
func (s *Store) Recover(ctx context.Context, id string) ([]byte, *Item, error) {
	item, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if item.TimeAuthority != s.authority.Name() {
		return nil, nil, fmt.Errorf("item %s was locked by %s, not %s", id, item.TimeAuthority, s.authority.Name())
	}

	reached, err := s.authority.Reached(ctx, item.TargetRound)
	if err != nil {
		return nil, nil, err
	}
	if !reached {
		return nil, nil, fmt.Errorf("%w: unlocks at %s", ErrNotYetUnlockable, item.UnlockTime.Format(time.RFC3339))
	}

	key, err := s.authority.Unlock(ctx, item.LockedKey)
	if errors.Is(err, timeauth.ErrTooEarly) {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotYetUnlockable, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unlock backup key: %w", err)
	}

	if item.State != StateUnlocked {
		item.State = StateUnlocked
		if err := saveMetadata(filepath.Join(s.dir, id), item); err != nil {
			return nil, nil, err
		}
		s.logger.Info("backup key recovered", zap.String("id", id))
	}
	return key, &item, nil
}

// Ciphertext returns the ciphertext stored with item id.
func (s *Store) Ciphertext(id string) ([]byte, error) {
	item, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !item.HasCiphertext {
		return nil, fmt.Errorf("item %s has no stored ciphertext", id)
	}
	return os.ReadFile(filepath.Join(s.dir, id, ciphertextFile))
}

func loadMetadata(itemDir string) (Item, error) {
	data, err := os.ReadFile(filepath.Join(itemDir, metaFile))
	if err != nil {
		return Item{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return item, nil
}

func saveMetadata(itemDir string, item Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return writeAtomic(filepath.Join(itemDir, metaFile), data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to update %s: %w", filepath.Base(path), err)
	}
	return nil
}
