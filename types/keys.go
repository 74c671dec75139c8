package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

// Suite is the pairing suite used for all validator signatures. Public keys
// live on G2, signatures on G1, which keeps votes small and lets quorum
// certificates carry a single aggregated signature.
var Suite = bn256.NewSuite()

// Errors
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// PublicKey is a marshaled BLS public key (a G2 point).
type PublicKey []byte

// Signature is a BLS signature (a marshaled G1 point), or an aggregate of
// several signatures over the same message.
type Signature []byte

// PrivateKey holds a BLS secret scalar together with its public key.
type PrivateKey struct {
	scalar kyber.Scalar
	pub    PublicKey
}

// GeneratePrivateKey creates a fresh random key pair.
func GeneratePrivateKey() *PrivateKey {
	scalar, point := bls.NewKeyPair(Suite, random.New())
	data, err := point.MarshalBinary()
	if err != nil {
		panic("types: failed to marshal generated public key: " + err.Error())
	}
	return &PrivateKey{scalar: scalar, pub: data}
}

// PrivateKeyFromSeed derives a key pair deterministically from a seed.
// Intended for tests and local fixtures, not for production keys.
func PrivateKeyFromSeed(seed []byte) *PrivateKey {
	digest := sha256.Sum256(seed)
	scalar := Suite.G2().Scalar().SetBytes(digest[:])
	point := Suite.G2().Point().Mul(scalar, nil)
	data, err := point.MarshalBinary()
	if err != nil {
		panic("types: failed to marshal derived public key: " + err.Error())
	}
	return &PrivateKey{scalar: scalar, pub: data}
}

// PrivateKeyFromBytes restores a private key from its marshaled scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	scalar := Suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	point := Suite.G2().Point().Mul(scalar, nil)
	pub, err := point.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &PrivateKey{scalar: scalar, pub: pub}, nil
}

// Bytes returns the marshaled secret scalar.
func (k *PrivateKey) Bytes() []byte {
	data, err := k.scalar.MarshalBinary()
	if err != nil {
		panic("types: failed to marshal private key: " + err.Error())
	}
	return data
}

// PublicKey returns the public key for this private key.
func (k *PrivateKey) PublicKey() PublicKey {
	out := make(PublicKey, len(k.pub))
	copy(out, k.pub)
	return out
}

// Sign signs msg with the BLS scheme.
func (k *PrivateKey) Sign(msg []byte) (Signature, error) {
	return bls.Sign(Suite, k.scalar, msg)
}

// Point unmarshals the public key onto the curve.
func (pk PublicKey) Point() (kyber.Point, error) {
	point := Suite.G2().Point()
	if err := point.UnmarshalBinary(pk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return point, nil
}

// Equal compares two public keys.
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk, other)
}

// String returns the hex encoding of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

// PublicKeyFromHex parses a hex-encoded public key and checks it lies on
// the curve.
func PublicKeyFromHex(s string) (PublicKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pk := PublicKey(data)
	if _, err := pk.Point(); err != nil {
		return nil, err
	}
	return pk, nil
}

// Verify checks a single-signer BLS signature over msg.
func Verify(pk PublicKey, msg []byte, sig Signature) error {
	point, err := pk.Point()
	if err != nil {
		return err
	}
	if err := bls.Verify(Suite, point, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// AggregateSignatures folds several signatures over the same message into
// one. The result verifies against the aggregate of the signers' public
// keys, independent of the order the signatures were collected in.
func AggregateSignatures(sigs ...Signature) (Signature, error) {
	raw := make([][]byte, len(sigs))
	for i, s := range sigs {
		raw[i] = s
	}
	agg, err := bls.AggregateSignatures(Suite, raw...)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures: %w", err)
	}
	return agg, nil
}

// AggregatePublicKeys folds several public keys into the aggregate point
// that verifies an aggregated signature.
func AggregatePublicKeys(pks ...PublicKey) (kyber.Point, error) {
	points := make([]kyber.Point, len(pks))
	for i, pk := range pks {
		point, err := pk.Point()
		if err != nil {
			return nil, err
		}
		points[i] = point
	}
	return bls.AggregatePublicKeys(Suite, points...), nil
}

// VerifyAggregate checks an aggregated signature over msg against the given
// set of contributing public keys.
func VerifyAggregate(pks []PublicKey, msg []byte, sig Signature) error {
	agg, err := AggregatePublicKeys(pks...)
	if err != nil {
		return err
	}
	if err := bls.Verify(Suite, agg, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
