package threshold

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"groupseal/internal/identity"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sealerr"
)

// Encrypt seals plaintext to id so that key servers holding at least t
// shares must cooperate to release it. It returns the opaque ciphertext and
// the backup key that decrypts it without key servers.
//
// Servers whose public key cannot be resolved are left out; the call fails
// with ErrEncryptionUnavailable if the remaining weight is below t.
func (c *Client) Encrypt(ctx context.Context, id identity.Identity, t int, plaintext []byte) ([]byte, []byte, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	if t < 1 || t > MaxThreshold {
		return nil, nil, fmt.Errorf("%w: threshold %d out of range", sealerr.ErrEncryptionUnavailable, t)
	}
	if total := c.TotalWeight(); t > total {
		return nil, nil, fmt.Errorf("%w: threshold %d exceeds configured weight %d", sealerr.ErrEncryptionUnavailable, t, total)
	}

	recipients, err := c.resolveRecipients(ctx)
	reachable := 0
	for _, r := range recipients {
		reachable += r.Weight
	}
	if reachable < t {
		return nil, nil, fmt.Errorf("%w: reachable weight %d below threshold %d: %w", sealerr.ErrEncryptionUnavailable, reachable, t, err)
	}
	if err != nil {
		c.logger.Warn("encrypting without unreachable key servers", zap.Error(err))
	}

	obj, key, err := sealcrypto.Encrypt(id, t, recipients, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", sealerr.ErrEncryptionUnavailable, err)
	}
	ciphertext, err := obj.Encode()
	if err != nil {
		return nil, nil, err
	}

	c.logger.Debug("encrypted",
		zap.Stringer("identity", id),
		zap.Int("threshold", t),
		zap.Int("shares", len(obj.Shares)))
	return ciphertext, key, nil
}

// resolveRecipients resolves every server's public key concurrently. The
// error aggregates failures; recipients holds the servers that resolved.
func (c *Client) resolveRecipients(ctx context.Context) ([]sealcrypto.Recipient, error) {
	type result struct {
		idx int
		rec sealcrypto.Recipient
		err error
	}

	results := make(chan result, len(c.servers))
	for i, s := range c.servers {
		go func(i int, s ServerConfig) {
			sctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			pk, err := c.publicKey(sctx, s)
			if err != nil {
				results <- result{idx: i, err: &serverError{server: s.ObjectID, err: err}}
				return
			}
			results <- result{idx: i, rec: sealcrypto.Recipient{ObjectID: s.ObjectID, Weight: s.Weight, PublicKey: pk}}
		}(i, s)
	}

	resolved := make([]*sealcrypto.Recipient, len(c.servers))
	var errs *multierror.Error
	for range c.servers {
		r := <-results
		if r.err != nil {
			errs = multierror.Append(errs, r.err)
			continue
		}
		rec := r.rec
		resolved[r.idx] = &rec
	}

	// Keep configuration order so share layout is deterministic.
	recipients := make([]sealcrypto.Recipient, 0, len(c.servers))
	for _, r := range resolved {
		if r != nil {
			recipients = append(recipients, *r)
		}
	}
	return recipients, errs.ErrorOrNil()
}

// DecryptWithBackupKey opens a ciphertext with the backup key returned by
// Encrypt, without contacting key servers.
func DecryptWithBackupKey(ciphertext, backupKey []byte) ([]byte, error) {
	obj, err := sealcrypto.ParseEncryptedObject(ciphertext)
	if err != nil {
		return nil, err
	}
	return obj.DecryptWithKey(backupKey)
}
