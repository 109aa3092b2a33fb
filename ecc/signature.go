package ecc

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// SignatureSize is the length of a serialized signature in bytes.
const SignatureSize = CommitmentSize + 32

// Signature is a Schnorr signature (R, s) proving knowledge of the discrete
// log of a public point with respect to G.
type Signature struct {
	NoncePub Commitment
	S        [32]byte
}

// challenge computes the blake2b Fiat-Shamir challenge binding the nonce,
// the public key and the message.
func challenge(noncePub, pub *Commitment, msg *Hash) *Scalar {
	e := HashB(noncePub[:], pub[:], msg[:])
	return NewScalarFromBytes(e[:])
}

// Sign produces a signature over msg with the secret key priv, whose public
// point is priv*G.
func Sign(priv *Scalar, msg Hash) (Signature, error) {
	pub := publicPoint(priv)

	// Deterministic nonce bound to the key and message.
	privBytes := priv.Serialize()
	nonceSeed := HashB([]byte("sable/nonce"), privBytes[:], msg[:])
	nonce := NewScalarFromBytes(nonceSeed[:])
	if nonce.IsZero() {
		return Signature{}, errors.New("degenerate signing nonce")
	}
	noncePub := publicPoint(nonce)

	e := challenge(&noncePub, &pub, &msg)
	s := nonce.Add(e.Mul(priv))

	return Signature{NoncePub: noncePub, S: s.Serialize()}, nil
}

// KernelSign signs msg with the blinding factor excess secret, so the
// signature verifies against the kernel excess commitment blind*H.
func KernelSign(blind *Scalar, msg Hash) (Signature, error) {
	return Sign(blind.Mul(hGen()), msg)
}

// Verify reports whether the signature is valid for msg under the public
// point pub.
func (sig *Signature) Verify(pub *Commitment, msg Hash) bool {
	var pubPt, noncePt secp256k1.JacobianPoint
	if err := pub.asPoint(&pubPt); err != nil {
		return false
	}
	if err := sig.NoncePub.asPoint(&noncePt); err != nil {
		return false
	}

	e := challenge(&sig.NoncePub, pub, &msg)
	s := NewScalarFromBytes(sig.S[:])

	// s*G == R + e*P
	var sG, eP, rhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.n, &sG)
	secp256k1.ScalarMultNonConst(&e.n, &pubPt, &eP)
	secp256k1.AddNonConst(&noncePt, &eP, &rhs)

	if rhs.Z.IsZero() || sG.Z.IsZero() {
		return false
	}
	sG.ToAffine()
	rhs.ToAffine()
	return sG.X.Equals(&rhs.X) && sG.Y.Equals(&rhs.Y)
}

func publicPoint(priv *Scalar) Commitment {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&priv.n, &p)
	c, err := pointToCommitment(&p)
	if err != nil {
		panic(err)
	}
	return c
}
