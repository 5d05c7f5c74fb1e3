package threshold

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/drand/kyber"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"groupseal/internal/protocol"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sealerr"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
)

// errNoKeyReturned marks a server that answered without a key for the
// requested identity. It counts as a denial.
var errNoKeyReturned = errors.New("no key returned for identity")

// Decrypt recovers the plaintext of ciphertext. key is the session key
// snapshot for this call and proof the approval transaction bytes.
//
// Requests go to every key server holding shares, concurrently. Decrypt
// returns as soon as threshold weight of verified keys is collected and
// cancels the remaining requests. It fails with ErrAuthorizationDenied when
// denials alone make the threshold unreachable, and with
// ErrInsufficientShares when servers are unreachable or time out.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, key *sessionkey.SessionKey, proof []byte) ([]byte, error) {
	if key == nil {
		return nil, sealerr.ErrSealNotReady
	}
	if key.ExpiredAt(c.now()) {
		return nil, fmt.Errorf("%w: expired at %s", sealerr.ErrSessionKeyExpired, key.Expiry().Format(time.RFC3339))
	}

	obj, err := sealcrypto.ParseEncryptedObject(ciphertext)
	if err != nil {
		return nil, err
	}
	if key.PackageID() != obj.PackageID {
		return nil, fmt.Errorf("%w: session key is for package %s, ciphertext for %s",
			sealerr.ErrAuthorizationDenied, key.PackageID(), obj.PackageID)
	}

	q := &quorum{
		obj:       obj,
		threshold: int(obj.Threshold),
		fullID:    obj.Identity().FullID(),
		vk:        key.VerifyingKey(),
		keys:      make(map[sui.ObjectID]kyber.Point),
	}
	var order []sui.ObjectID
	order, q.weights = obj.Services()

	var pending []ServerConfig
	for _, id := range order {
		s, ok := c.byID[id]
		if !ok {
			q.errs = multierror.Append(q.errs, &serverError{server: id, err: errors.New("not configured")})
			continue
		}
		if usk, ok := c.cachedKey(id, q.fullID, q.vk); ok {
			q.keys[id] = usk
			q.collected += q.weights[id]
			continue
		}
		pending = append(pending, s)
	}

	if q.collected < q.threshold {
		if err := c.collect(ctx, q, key, proof, pending); err != nil {
			return nil, err
		}
	}

	plaintext, err := obj.Decrypt(q.keys)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("decrypted",
		zap.Stringer("identity", obj.Identity()),
		zap.Int("servers", len(q.keys)))
	return plaintext, nil
}

// quorum tracks one decryption's progress towards its threshold.
type quorum struct {
	obj       *sealcrypto.EncryptedObject
	threshold int
	fullID    []byte
	vk        []byte
	weights   map[sui.ObjectID]int

	keys      map[sui.ObjectID]kyber.Point
	collected int
	// denied is the weight lost to policy denials.
	denied  int
	expired bool
	errs    *multierror.Error
}

type fetchResult struct {
	server sui.ObjectID
	usk    kyber.Point
	err    error
}

func (c *Client) collect(ctx context.Context, q *quorum, key *sessionkey.SessionKey, proof []byte, pending []ServerConfig) error {
	enc := sealcrypto.GenerateElGamalKey()
	encKey, err := enc.PublicKeyBytes()
	if err != nil {
		return err
	}
	req := &protocol.FetchKeyRequest{
		PTB:              proof,
		EncKey:           encKey,
		RequestSignature: key.SignRequest(proof, encKey),
		Certificate:      key.Certificate(),
	}

	// Cancelling on return stops stragglers once the outcome is known.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetchResult, len(pending))
	remaining := 0
	for _, s := range pending {
		remaining += q.weights[s.ObjectID]
		go func(s ServerConfig) {
			sctx, scancel := context.WithTimeout(ctx, c.timeout)
			defer scancel()
			usk, err := c.fetchKey(sctx, s, req, q.obj, enc)
			results <- fetchResult{server: s.ObjectID, usk: usk, err: err}
		}(s)
	}

	for n := 0; n < len(pending) && q.collected < q.threshold && q.collected+remaining >= q.threshold; n++ {
		r := <-results
		w := q.weights[r.server]
		remaining -= w

		if r.err == nil {
			q.keys[r.server] = r.usk
			q.collected += w
			c.storeKey(r.server, q.fullID, q.vk, r.usk)
			continue
		}

		q.errs = multierror.Append(q.errs, &serverError{server: r.server, err: r.err})
		if isDenial(r.err) {
			q.denied += w
			var perr *protocol.Error
			if errors.As(r.err, &perr) && perr.Code == protocol.ExpiredSessionCert {
				q.expired = true
			}
		}
		c.logger.Debug("key server failed", zap.Stringer("server", r.server), zap.Error(r.err))
	}

	if q.collected >= q.threshold {
		return nil
	}
	return q.failure()
}

// failure classifies an unmet quorum.
func (q *quorum) failure() error {
	total := 0
	for _, w := range q.weights {
		total += w
	}
	cause := q.errs.ErrorOrNil()
	if cause == nil {
		cause = errors.New("no key servers responded")
	}

	switch {
	case q.expired:
		return fmt.Errorf("%w: %w", sealerr.ErrSessionKeyExpired, cause)
	case total-q.denied < q.threshold:
		return fmt.Errorf("%w: %w", sealerr.ErrAuthorizationDenied, cause)
	default:
		return fmt.Errorf("%w: collected weight %d of %d: %w", sealerr.ErrInsufficientShares, q.collected, q.threshold, cause)
	}
}

func isDenial(err error) bool {
	if errors.Is(err, errNoKeyReturned) {
		return true
	}
	var perr *protocol.Error
	return errors.As(err, &perr) && perr.Code.Denial()
}

// fetchKey asks one server for the user secret key of obj's identity and
// verifies it against the server's public key.
func (c *Client) fetchKey(ctx context.Context, s ServerConfig, req *protocol.FetchKeyRequest, obj *sealcrypto.EncryptedObject, enc *sealcrypto.ElGamalKey) (kyber.Point, error) {
	pk, err := c.publicKey(ctx, s)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.postFetchKey(ctx, s, req)
	c.observe(s.ObjectID, "fetch_key", start, err)
	if err != nil {
		return nil, err
	}

	for _, dk := range resp.DecryptionKeys {
		if !bytes.Equal(dk.ID, obj.ID) {
			continue
		}
		ct, err := sealcrypto.ParseElGamalCiphertext(dk.EncryptedKey)
		if err != nil {
			return nil, err
		}
		usk := enc.Decrypt(ct)
		if !sealcrypto.VerifyUserKey(pk, obj.Identity().FullID(), usk) {
			return nil, errors.New("returned key does not verify")
		}
		return usk, nil
	}
	return nil, errNoKeyReturned
}

func cacheKey(server sui.ObjectID, fullID, vk []byte) string {
	return server.String() + "/" + hex.EncodeToString(fullID) + "/" + hex.EncodeToString(vk)
}

func (c *Client) cachedKey(server sui.ObjectID, fullID, vk []byte) (kyber.Point, bool) {
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get(cacheKey(server, fullID, vk))
	if !ok {
		c.metrics.cache.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.metrics.cache.WithLabelValues("hit").Inc()
	return v.(kyber.Point), true
}

func (c *Client) storeKey(server sui.ObjectID, fullID, vk []byte, usk kyber.Point) {
	if c.cache != nil {
		c.cache.Add(cacheKey(server, fullID, vk), usk)
	}
}
