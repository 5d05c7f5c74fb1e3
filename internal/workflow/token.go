package workflow

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"groupseal/internal/identity"
	"groupseal/internal/sui"
)

// DefaultTokenThreshold is the number of key servers that must cooperate to
// reveal a sealed token address.
const DefaultTokenThreshold = 2

// SealedToken is a token address sealed to a group, in the forms it is
// stored and displayed in.
type SealedToken struct {
	// TokenAddress is the sealed address, 0x-prefixed.
	TokenAddress string
	Ciphertext   []byte
	BackupKey    []byte
}

// ByteArray is the ciphertext as a list of byte values.
func (s *SealedToken) ByteArray() ByteArrayCiphertext {
	return ByteArray(s.Ciphertext)
}

// Hex is the ciphertext as unprefixed lowercase hex.
func (s *SealedToken) Hex() string {
	return hex.EncodeToString(s.Ciphertext)
}

// EncryptTokenAddress seals a hex token address so that only members of the
// group can read it. The identity is (pkg, group id).
func (w *Workflow) EncryptTokenAddress(ctx context.Context, pkg, groupID sui.ObjectID, tokenAddress string) (*SealedToken, error) {
	addr := strings.TrimSpace(tokenAddress)
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	raw, err := hexutil.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid token address %q: %w", tokenAddress, err)
	}

	res, err := w.Encrypt(ctx, raw, identity.ForObject(pkg, groupID), w.tokenThreshold)
	if err != nil {
		return nil, err
	}
	return &SealedToken{TokenAddress: addr, Ciphertext: res.Ciphertext, BackupKey: res.BackupKey}, nil
}

// DecryptTokenAddress reveals a token address sealed by EncryptTokenAddress.
// The result is unprefixed lowercase hex.
func (w *Workflow) DecryptTokenAddress(ctx context.Context, input CiphertextInput, pkg, groupID sui.ObjectID) (string, error) {
	plaintext, err := w.Decrypt(ctx, input, identity.ForObject(pkg, groupID), groupID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(plaintext), nil
}
