package sessionkey

import (
	"context"
	"fmt"

	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

// ConfirmFunc asks the user to approve a personal message. Returning false
// declines the signature.
type ConfirmFunc func(ctx context.Context, msg []byte) (bool, error)

// KeyWallet is a Wallet backed by a local keypair. It is what the CLI uses
// in place of a browser wallet.
type KeyWallet struct {
	keyPair *sui.KeyPair
	confirm ConfirmFunc
}

// NewKeyWallet wraps kp. A nil confirm approves every request.
func NewKeyWallet(kp *sui.KeyPair, confirm ConfirmFunc) *KeyWallet {
	return &KeyWallet{keyPair: kp, confirm: confirm}
}

// Address returns the keypair's address, or ErrWalletUnavailable when the
// wallet has no keypair.
func (w *KeyWallet) Address(ctx context.Context) (sui.Address, error) {
	if w.keyPair == nil {
		return sui.Address{}, fmt.Errorf("%w: no account", sealerr.ErrWalletUnavailable)
	}
	return w.keyPair.Address(), nil
}

func (w *KeyWallet) SignPersonalMessage(ctx context.Context, msg []byte) (string, error) {
	if w.keyPair == nil {
		return "", fmt.Errorf("%w: no account", sealerr.ErrWalletUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", sealerr.ErrWalletRejected, err)
	}
	if w.confirm != nil {
		ok, err := w.confirm(ctx, msg)
		if err != nil {
			return "", fmt.Errorf("%w: %v", sealerr.ErrWalletRejected, err)
		}
		if !ok {
			return "", sealerr.ErrWalletRejected
		}
	}
	return w.keyPair.SignPersonalMessage(msg), nil
}
