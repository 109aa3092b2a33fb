package ecc

import (
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	priv := NewScalarFromUint64(0x1234567890abcdef)
	msg := HashB([]byte("message"))

	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: unexpected error: %v", err)
	}
	pub := publicPoint(priv)
	if !sig.Verify(&pub, msg) {
		t.Fatal("signature does not verify under its own key")
	}

	otherMsg := HashB([]byte("other message"))
	if sig.Verify(&pub, otherMsg) {
		t.Error("signature verifies under a different message")
	}
	otherPub := publicPoint(NewScalarFromUint64(99))
	if sig.Verify(&otherPub, msg) {
		t.Error("signature verifies under a different key")
	}
}

func TestKernelSignVerifiesAgainstExcess(t *testing.T) {
	blind := NewScalarFromUint64(777)
	excess := BlindGenerator(blind)
	msg := HashB([]byte("kernel body"))

	sig, err := KernelSign(blind, msg)
	if err != nil {
		t.Fatalf("KernelSign: unexpected error: %v", err)
	}
	if !sig.Verify(&excess, msg) {
		t.Fatal("kernel signature does not verify against its excess")
	}
}

func TestRangeProof(t *testing.T) {
	blind := NewScalarFromUint64(42)
	proof, err := CreateRangeProof(blind, 1000)
	if err != nil {
		t.Fatalf("CreateRangeProof: unexpected error: %v", err)
	}
	commitment := CommitValue(blind, 1000)
	if !proof.Verify(&commitment) {
		t.Fatal("range proof does not verify for its commitment")
	}

	wrong := CommitValue(blind, 1001)
	if proof.Verify(&wrong) {
		t.Error("range proof verifies for a different commitment")
	}

	// Serialization round trip preserves validity.
	reloaded := DeserializeRangeProof(proof.Serialize())
	if !reloaded.Verify(&commitment) {
		t.Error("deserialized range proof does not verify")
	}
}

func TestCommitmentBalance(t *testing.T) {
	// A minimal transfer: one input of 100, outputs of 60 and 30, fee 10.
	// The excess covers the blinding difference, so the identity
	// Σout − Σin + excess + fee·G must hold.
	inBlind := NewScalarFromUint64(11)
	out1Blind := NewScalarFromUint64(22)
	out2Blind := NewScalarFromUint64(33)

	in := CommitValue(inBlind, 100)
	out1 := CommitValue(out1Blind, 60)
	out2 := CommitValue(out2Blind, 30)

	excessBlind := inBlind.Add(out1Blind.Add(out2Blind).Negate())
	excess := BlindGenerator(excessBlind)

	var sum PointSum
	for _, c := range []*Commitment{&out1, &out2, &excess} {
		if err := sum.Add(c); err != nil {
			t.Fatalf("Add: unexpected error: %v", err)
		}
	}
	if err := sum.Sub(&in); err != nil {
		t.Fatalf("Sub: unexpected error: %v", err)
	}
	sum.AddValue(10)

	if !sum.IsZero() {
		t.Fatal("excess sum identity does not hold for a balanced transfer")
	}

	// Breaking the fee breaks the identity.
	var badSum PointSum
	for _, c := range []*Commitment{&out1, &out2, &excess} {
		if err := badSum.Add(c); err != nil {
			t.Fatalf("Add: unexpected error: %v", err)
		}
	}
	if err := badSum.Sub(&in); err != nil {
		t.Fatalf("Sub: unexpected error: %v", err)
	}
	badSum.AddValue(11)
	if badSum.IsZero() {
		t.Error("excess sum identity holds with a wrong fee")
	}
}

func TestKdfDeterminism(t *testing.T) {
	root := HashB([]byte("root"))
	kdf := NewKdf(root)

	a := kdf.DeriveKey(5, KeyTypeCoinbase, 0)
	b := kdf.DeriveKey(5, KeyTypeCoinbase, 0)
	if a.Serialize() != b.Serialize() {
		t.Error("DeriveKey is not deterministic")
	}

	c := kdf.DeriveKey(5, KeyTypeCommission, 0)
	if a.Serialize() == c.Serialize() {
		t.Error("key types do not separate derivation domains")
	}
	d := kdf.DeriveKey(6, KeyTypeCoinbase, 0)
	if a.Serialize() == d.Serialize() {
		t.Error("heights do not separate derivation domains")
	}
	e := kdf.DeriveKey(5, KeyTypeCoinbase, 1)
	if a.Serialize() == e.Serialize() {
		t.Error("indices do not separate derivation domains")
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	kdf, mnemonic, err := GenerateKdf()
	if err != nil {
		t.Fatalf("GenerateKdf: unexpected error: %v", err)
	}
	restored, err := NewKdfFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("NewKdfFromMnemonic: unexpected error: %v", err)
	}
	a := kdf.DeriveKey(1, KeyTypeKernel, 0)
	b := restored.DeriveKey(1, KeyTypeKernel, 0)
	if a.Serialize() != b.Serialize() {
		t.Error("mnemonic does not restore the derivation root")
	}

	if _, err := NewKdfFromMnemonic("not a mnemonic", ""); err == nil {
		t.Error("invalid mnemonic accepted")
	}
}
