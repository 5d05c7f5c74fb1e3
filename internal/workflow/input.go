package workflow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"groupseal/internal/sealerr"
)

// CiphertextInput is a ciphertext in one of the forms callers hold it in.
// Normalize yields the canonical bytes.
type CiphertextInput interface {
	Normalize() ([]byte, error)
}

// HexCiphertext is hex text with an optional 0x prefix.
type HexCiphertext string

// ByteArrayCiphertext is a list of byte values, as stored on chain or in
// JSON documents. Every element must be in 0..255.
type ByteArrayCiphertext []int

// RawCiphertext is already canonical.
type RawCiphertext []byte

func (h HexCiphertext) Normalize() ([]byte, error) {
	s := strings.TrimSpace(string(h))
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	} else {
		s = "0x" + s[2:]
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrMalformedCiphertext, err)
	}
	return nonEmpty(b)
}

func (a ByteArrayCiphertext) Normalize() ([]byte, error) {
	b := make([]byte, len(a))
	for i, v := range a {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: element %d out of byte range: %d", sealerr.ErrMalformedCiphertext, i, v)
		}
		b[i] = byte(v)
	}
	return nonEmpty(b)
}

func (r RawCiphertext) Normalize() ([]byte, error) {
	return nonEmpty(append([]byte(nil), r...))
}

func nonEmpty(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", sealerr.ErrMalformedCiphertext)
	}
	return b, nil
}

// ByteArray converts bytes to the list form.
func ByteArray(b []byte) ByteArrayCiphertext {
	out := make(ByteArrayCiphertext, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
