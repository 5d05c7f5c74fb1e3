package escrow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is an item with its current availability.
type Entry struct {
	Item
	// Unlockable is true once the unlock round has been published.
	Unlockable bool
}

// StatusResult holds every item plus the problems met while checking them.
type StatusResult struct {
	Entries []Entry
	// CheckError is the first authority failure. Affected items are
	// reported as not unlockable.
	CheckError       error
	ValidationErrors []error
}

// Status lists items and asks the authority which locked items can be
// recovered. It never changes stored state.
func (s *Store) Status(ctx context.Context) (StatusResult, error) {
	items, err := s.List()
	if err != nil {
		return StatusResult{}, err
	}

	var res StatusResult
	for _, item := range items {
		if err := ValidateItem(item, filepath.Join(s.dir, item.ID)); err != nil {
			res.ValidationErrors = append(res.ValidationErrors, err)
			continue
		}

		e := Entry{Item: item, Unlockable: item.State == StateUnlocked}
		if !e.Unlockable && item.TimeAuthority == s.authority.Name() {
			ok, err := s.authority.Reached(ctx, item.TargetRound)
			if err != nil && res.CheckError == nil {
				res.CheckError = err
			}
			e.Unlockable = err == nil && ok
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

// ValidateItem checks that metadata agrees with the item directory. It
// never repairs anything.
func ValidateItem(item Item, itemDir string) error {
	switch item.State {
	case StateLocked, StateUnlocked:
	default:
		return fmt.Errorf("item %s: unknown state %q", item.ID, item.State)
	}
	if item.LockedKey == "" {
		return fmt.Errorf("item %s: missing locked key", item.ID)
	}

	_, err := os.Stat(filepath.Join(itemDir, ciphertextFile))
	switch {
	case item.HasCiphertext && err != nil:
		return fmt.Errorf("item %s: ciphertext missing: %w", item.ID, err)
	case !item.HasCiphertext && err == nil:
		return fmt.Errorf("item %s: unexpected ciphertext file", item.ID)
	}
	return nil
}

// FormatStatus renders entries for the CLI.
func FormatStatus(entries []Entry) string {
	if len(entries) == 0 {
		return "no escrowed keys\n"
	}

	var b strings.Builder
	for _, e := range entries {
		state := e.State
		if state == StateLocked && e.Unlockable {
			state = "unlockable"
		}
		fmt.Fprintf(&b, "id: %s\nstate: %s\nidentity: %s\nunlock_time: %s\n\n",
			e.ID, state, e.Identity, e.UnlockTime.Format(time.RFC3339))
	}
	return b.String()
}
