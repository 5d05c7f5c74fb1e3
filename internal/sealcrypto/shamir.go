package sealcrypto

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
)

// MaxShares bounds the number of shares per ciphertext; share indices are
// single bytes and zero is reserved for the secret.
const MaxShares = 255

// Share is one evaluation of the sharing polynomial at x = Index.
type Share struct {
	Index uint8
	Value kyber.Scalar
}

// RandomSecret picks a uniformly random field element.
func RandomSecret() kyber.Scalar {
	return suite.G1().Scalar().Pick(random.New())
}

// Split shares secret into n shares such that any t reconstruct it.
// Shares are indexed 1..n.
func Split(secret kyber.Scalar, t, n int) ([]Share, error) {
	if t < 1 || t > n {
		return nil, fmt.Errorf("invalid threshold %d for %d shares", t, n)
	}
	if n > MaxShares {
		return nil, fmt.Errorf("too many shares: %d (max %d)", n, MaxShares)
	}

	coeffs := make([]kyber.Scalar, t)
	coeffs[0] = secret.Clone()
	rnd := random.New()
	for i := 1; i < t; i++ {
		coeffs[i] = suite.G1().Scalar().Pick(rnd)
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		idx := uint8(i + 1)
		shares[i] = Share{Index: idx, Value: evalPoly(coeffs, idx)}
	}
	return shares, nil
}

// evalPoly evaluates the polynomial at x using Horner's rule.
func evalPoly(coeffs []kyber.Scalar, x uint8) kyber.Scalar {
	xs := suite.G1().Scalar().SetInt64(int64(x))
	acc := suite.G1().Scalar().Zero()
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = suite.G1().Scalar().Mul(acc, xs)
		acc = acc.Add(acc, coeffs[i])
	}
	return acc
}

// Combine interpolates the polynomial at zero from t or more distinct shares.
// Only the first t shares are used.
func Combine(shares []Share, t int) (kyber.Scalar, error) {
	if t < 1 {
		return nil, errors.New("invalid threshold")
	}
	if len(shares) < t {
		return nil, fmt.Errorf("need %d shares, have %d", t, len(shares))
	}

	used := shares[:t]
	seen := make(map[uint8]bool, t)
	for _, s := range used {
		if s.Index == 0 {
			return nil, errors.New("share index 0 is reserved")
		}
		if seen[s.Index] {
			return nil, fmt.Errorf("duplicate share index %d", s.Index)
		}
		seen[s.Index] = true
	}

	secret := suite.G1().Scalar().Zero()
	for i, si := range used {
		xi := suite.G1().Scalar().SetInt64(int64(si.Index))
		num := suite.G1().Scalar().One()
		den := suite.G1().Scalar().One()
		for j, sj := range used {
			if i == j {
				continue
			}
			xj := suite.G1().Scalar().SetInt64(int64(sj.Index))
			num = num.Mul(num, xj)
			den = den.Mul(den, suite.G1().Scalar().Sub(xj, xi))
		}
		basis := suite.G1().Scalar().Div(num, den)
		secret = secret.Add(secret, suite.G1().Scalar().Mul(si.Value, basis))
	}
	return secret, nil
}
