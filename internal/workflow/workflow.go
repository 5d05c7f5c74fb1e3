// Package workflow runs encrypt and decrypt operations end to end: it takes
// the session key snapshot, builds the authorization proof, and drives the
// threshold client. Every call is independent and never retried.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"groupseal/internal/identity"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sealerr"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
)

// Client is the threshold encryption client.
type Client interface {
	Encrypt(ctx context.Context, id identity.Identity, t int, plaintext []byte) ([]byte, []byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, key *sessionkey.SessionKey, proof []byte) ([]byte, error)
}

// Sessions hands out the current session key, expired or not.
type Sessions interface {
	Snapshot() *sessionkey.SessionKey
}

// ProofBuilder builds the unsigned approval transaction for an identity.
type ProofBuilder interface {
	Build(ctx context.Context, id identity.Identity, gatingObjectID sui.ObjectID) ([]byte, error)
}

// State is the phase an operation is in. Observers see every change.
type State int

const (
	Idle State = iota
	Encrypting
	BuildingProof
	Decrypting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Encrypting:
		return "encrypting"
	case BuildingProof:
		return "building_proof"
	case Decrypting:
		return "decrypting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is one state change of one operation. Err is set when State
// is Failed.
type Transition struct {
	Op    string
	From  State
	State State
	Err   error
}

// Observer receives transitions synchronously, on the calling goroutine.
type Observer func(Transition)

// EncryptResult is a sealed artifact and its backup key.
type EncryptResult struct {
	Ciphertext []byte
	BackupKey  []byte
}

// Workflow is safe for concurrent use when its dependencies are.
type Workflow struct {
	client   Client
	sessions Sessions
	proofs   ProofBuilder

	observer       Observer
	logger         *zap.Logger
	now            func() time.Time
	tokenThreshold int
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithObserver registers o to receive every Transition. o runs on the
// goroutine of the operation and must not block.
func WithObserver(o Observer) Option {
	return func(w *Workflow) { w.observer = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithTokenThreshold sets the threshold used by EncryptTokenAddress.
func WithTokenThreshold(t int) Option {
	return func(w *Workflow) { w.tokenThreshold = t }
}

// New wires a workflow. Any dependency may be nil; operations needing it
// then fail with ErrSealNotReady.
func New(client Client, sessions Sessions, proofs ProofBuilder, opts ...Option) *Workflow {
	w := &Workflow{
		client:         client,
		sessions:       sessions,
		proofs:         proofs,
		logger:         zap.NewNop(),
		now:            time.Now,
		tokenThreshold: DefaultTokenThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// op tracks the state of a single operation.
type op struct {
	w     *Workflow
	name  string
	state State
}

func (w *Workflow) start(name string) *op {
	return &op{w: w, name: name, state: Idle}
}

func (o *op) to(s State) {
	prev := o.state
	o.state = s
	if o.w.observer != nil {
		o.w.observer(Transition{Op: o.name, From: prev, State: s})
	}
}

func (o *op) fail(err error) error {
	prev := o.state
	o.state = Failed
	if o.w.observer != nil {
		o.w.observer(Transition{Op: o.name, From: prev, State: Failed, Err: err})
	}
	o.w.logger.Debug("operation failed",
		zap.String("op", o.name),
		zap.Stringer("during", prev),
		zap.Error(err))
	return err
}

// session returns the snapshot used for the whole operation.
func (w *Workflow) session() (*sessionkey.SessionKey, error) {
	if w.sessions == nil {
		return nil, fmt.Errorf("%w: no session store", sealerr.ErrSealNotReady)
	}
	key := w.sessions.Snapshot()
	if key == nil {
		return nil, fmt.Errorf("%w: no session key", sealerr.ErrSealNotReady)
	}
	if key.ExpiredAt(w.now()) {
		return nil, fmt.Errorf("%w: expired at %s", sealerr.ErrSessionKeyExpired, key.Expiry().Format(time.RFC3339))
	}
	return key, nil
}

// Encrypt seals plaintext to id with threshold t. A live session key is
// required even though encryption does not use it.
func (w *Workflow) Encrypt(ctx context.Context, plaintext []byte, id identity.Identity, t int) (*EncryptResult, error) {
	o := w.start("encrypt")
	if w.client == nil {
		return nil, o.fail(fmt.Errorf("%w: no encryption client", sealerr.ErrSealNotReady))
	}
	if _, err := w.session(); err != nil {
		return nil, o.fail(err)
	}

	o.to(Encrypting)
	ct, key, err := w.client.Encrypt(ctx, id, t, plaintext)
	if err != nil {
		return nil, o.fail(err)
	}
	o.to(Done)
	return &EncryptResult{Ciphertext: ct, BackupKey: key}, nil
}

// Decrypt opens input, which must be bound to id. The proof references
// gatingObjectID at its current on-chain version and is rebuilt on every
// call. On failure no plaintext is returned.
func (w *Workflow) Decrypt(ctx context.Context, input CiphertextInput, id identity.Identity, gatingObjectID sui.ObjectID) ([]byte, error) {
	o := w.start("decrypt")
	if input == nil {
		return nil, o.fail(fmt.Errorf("%w: no ciphertext", sealerr.ErrMalformedCiphertext))
	}
	ciphertext, err := input.Normalize()
	if err != nil {
		return nil, o.fail(err)
	}
	if w.client == nil || w.proofs == nil {
		return nil, o.fail(fmt.Errorf("%w: no encryption client", sealerr.ErrSealNotReady))
	}
	key, err := w.session()
	if err != nil {
		return nil, o.fail(err)
	}

	obj, err := sealcrypto.ParseEncryptedObject(ciphertext)
	if err != nil {
		return nil, o.fail(err)
	}
	if !obj.Identity().Equal(id) {
		return nil, o.fail(fmt.Errorf("%w: ciphertext is bound to %s, not %s",
			sealerr.ErrAuthorizationDenied, obj.Identity(), id))
	}

	o.to(BuildingProof)
	proof, err := w.proofs.Build(ctx, id, gatingObjectID)
	if err != nil {
		if errors.Is(err, sui.ErrObjectNotFound) {
			err = fmt.Errorf("%w: %w", sealerr.ErrAuthorizationDenied, err)
		}
		return nil, o.fail(err)
	}

	o.to(Decrypting)
	plaintext, err := w.client.Decrypt(ctx, ciphertext, key, proof)
	if err != nil {
		return nil, o.fail(err)
	}
	o.to(Done)
	return plaintext, nil
}
