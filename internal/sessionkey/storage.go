package sessionkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

// FileName is the session file inside the data directory.
const FileName = "session.json"

// Exported is the persisted form of a session key. It contains the session
// private seed and must stay owner-readable only.
type Exported struct {
	Owner        sui.Address  `json:"owner"`
	PackageID    sui.ObjectID `json:"package_id"`
	CreationTime int64        `json:"creation_time"`
	TTLMin       uint16       `json:"ttl_min"`
	Seed         []byte       `json:"seed"`
	Signature    string       `json:"signature"`
}

// Export captures key for persistence.
func (k *SessionKey) Export() Exported {
	return Exported{
		Owner:        k.owner,
		PackageID:    k.packageID,
		CreationTime: k.created.UnixMilli(),
		TTLMin:       uint16(k.ttl / time.Minute),
		Seed:         k.keyPair.Seed(),
		Signature:    k.signature,
	}
}

// Import rebuilds a session key and re-verifies the wallet signature.
// Expired keys are rejected with ErrSessionKeyExpired.
func Import(e Exported, now time.Time) (*SessionKey, error) {
	kp, err := sui.KeyPairFromSeed(e.Seed)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	key := &SessionKey{
		owner:     e.Owner,
		packageID: e.PackageID,
		created:   time.UnixMilli(e.CreationTime).UTC(),
		ttl:       time.Duration(e.TTLMin) * time.Minute,
		keyPair:   kp,
		signature: e.Signature,
	}

	cert := key.Certificate()
	if err := VerifyCertificate(cert, e.PackageID, now); err != nil {
		if errors.Is(err, sealerr.ErrSessionKeyExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	return key, nil
}

// Save writes key to path atomically with 0600 permissions.
func Save(path string, key *SessionKey) error {
	data, err := json.MarshalIndent(key.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session key: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to update session key: %w", err)
	}
	return nil
}

// Load reads and imports a saved key. A missing file reports ErrSealNotReady.
func Load(path string, now time.Time) (*SessionKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no session key, run 'session init'", sealerr.ErrSealNotReady)
		}
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}

	var e Exported
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse session key: %w", err)
	}
	return Import(e, now)
}

// Remove deletes the saved key. Removing a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session key: %w", err)
	}
	return nil
}
