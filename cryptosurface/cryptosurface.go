// Package cryptosurface provides a fingerprinted set of cryptographic
// primitives — random bytes, hashing, password hashing, and Ed25519-style
// signing — that the rest of a transport layer builds peer identity and
// payload authentication on top of.
//
// Every operation validates its buffer sizes against the advertised
// constants before touching a primitive, returning a SizeError instead of
// letting the underlying library panic or silently truncate.
package cryptosurface

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Fixed sizes, in bytes, advertised by this crypto surface.
const (
	HashSHA256Bytes    = sha256.Size
	HashSHA512Bytes    = sha512.Size
	PwhashSaltBytes    = 16
	PwhashBytes        = 32
	SignSeedBytes      = ed25519.SeedSize
	SignPublicKeyBytes = ed25519.PublicKeySize
	SignSecretKeyBytes = ed25519.PrivateKeySize
	SignBytes          = ed25519.SignatureSize

	pwhashIterations = 100_000
)

// ErrorKind classifies a Surface error for programmatic dispatch, matching
// the error taxonomy spec for crypto size mismatches.
type ErrorKind int

const (
	// KindBadHashSize means a hash destination buffer had the wrong length.
	KindBadHashSize ErrorKind = iota
	// KindBadSaltSize means a pwhash salt buffer had the wrong length.
	KindBadSaltSize
	// KindBadSeedSize means a sign seed buffer had the wrong length.
	KindBadSeedSize
	// KindBadPublicKeySize means a public key buffer had the wrong length.
	KindBadPublicKeySize
	// KindBadSecretKeySize means a secret key buffer had the wrong length.
	KindBadSecretKeySize
	// KindBadSignatureSize means a signature buffer had the wrong length.
	KindBadSignatureSize
)

// SizeError reports that an input or output buffer did not match the
// operation's documented fixed size.
type SizeError struct {
	Kind ErrorKind
	Got  int
	Want int
}

func (e SizeError) Error() string {
	return fmt.Sprintf("cryptosurface: %s: got %d bytes, want %d", e.Kind, e.Got, e.Want)
}

func (k ErrorKind) String() string {
	switch k {
	case KindBadHashSize:
		return "BadHashSize"
	case KindBadSaltSize:
		return "BadSaltSize"
	case KindBadSeedSize:
		return "BadSeedSize"
	case KindBadPublicKeySize:
		return "BadPublicKeySize"
	case KindBadSecretKeySize:
		return "BadSecretKeySize"
	case KindBadSignatureSize:
		return "BadSignatureSize"
	default:
		return "Unknown"
	}
}

var errRandomSource = errors.New("cryptosurface: failed to read random bytes")

// RandomBytesBuf fills dst with cryptographically secure random bytes.
func RandomBytesBuf(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if _, err := rand.Read(dst); err != nil {
		return fmt.Errorf("%w: %w", errRandomSource, err)
	}
	return nil
}

// HashSHA256 writes the SHA-256 digest of src into dst. dst must be exactly
// HashSHA256Bytes long.
func HashSHA256(dst, src []byte) error {
	if len(dst) != HashSHA256Bytes {
		return SizeError{Kind: KindBadHashSize, Got: len(dst), Want: HashSHA256Bytes}
	}
	sum := sha256.Sum256(src)
	copy(dst, sum[:])
	return nil
}

// HashSHA512 writes the SHA-512 digest of src into dst. dst must be exactly
// HashSHA512Bytes long.
func HashSHA512(dst, src []byte) error {
	if len(dst) != HashSHA512Bytes {
		return SizeError{Kind: KindBadHashSize, Got: len(dst), Want: HashSHA512Bytes}
	}
	sum := sha512.Sum512(src)
	copy(dst, sum[:])
	return nil
}

// Pwhash derives a deterministic key from password and salt into dst via
// PBKDF2-HMAC-SHA256 with pwhashIterations rounds. PBKDF2 is iteration-hard
// only, not memory-hard. Identical password+salt always yields identical
// output.
func Pwhash(dst, password, salt []byte) error {
	if len(dst) != PwhashBytes {
		return SizeError{Kind: KindBadHashSize, Got: len(dst), Want: PwhashBytes}
	}
	if len(salt) != PwhashSaltBytes {
		return SizeError{Kind: KindBadSaltSize, Got: len(salt), Want: PwhashSaltBytes}
	}
	key := pbkdf2.Key(password, salt, pwhashIterations, PwhashBytes, sha256.New)
	copy(dst, key)
	return nil
}

// SignSeedKeypair deterministically derives an Ed25519 keypair from seed.
// Identical seeds always yield byte-identical public and secret keys.
func SignSeedKeypair(seed, publicKey, secretKey []byte) error {
	if len(seed) != SignSeedBytes {
		return SizeError{Kind: KindBadSeedSize, Got: len(seed), Want: SignSeedBytes}
	}
	if len(publicKey) != SignPublicKeyBytes {
		return SizeError{Kind: KindBadPublicKeySize, Got: len(publicKey), Want: SignPublicKeyBytes}
	}
	if len(secretKey) != SignSecretKeyBytes {
		return SizeError{Kind: KindBadSecretKeySize, Got: len(secretKey), Want: SignSecretKeyBytes}
	}
	sk := ed25519.NewKeyFromSeed(seed)
	copy(secretKey, sk)
	copy(publicKey, sk.Public().(ed25519.PublicKey))
	return nil
}

// SignKeypair generates a random Ed25519 keypair.
func SignKeypair(publicKey, secretKey []byte) error {
	if len(publicKey) != SignPublicKeyBytes {
		return SizeError{Kind: KindBadPublicKeySize, Got: len(publicKey), Want: SignPublicKeyBytes}
	}
	if len(secretKey) != SignSecretKeyBytes {
		return SizeError{Kind: KindBadSecretKeySize, Got: len(secretKey), Want: SignSecretKeyBytes}
	}
	var seed [SignSeedBytes]byte
	if err := RandomBytesBuf(seed[:]); err != nil {
		return err
	}
	return SignSeedKeypair(seed[:], publicKey, secretKey)
}

// Sign writes the Ed25519 signature of msg under secretKey into sig.
func Sign(sig, msg, secretKey []byte) error {
	if len(sig) != SignBytes {
		return SizeError{Kind: KindBadSignatureSize, Got: len(sig), Want: SignBytes}
	}
	if len(secretKey) != SignSecretKeyBytes {
		return SizeError{Kind: KindBadSecretKeySize, Got: len(secretKey), Want: SignSecretKeyBytes}
	}
	copy(sig, ed25519.Sign(ed25519.PrivateKey(secretKey), msg))
	return nil
}

// SignVerify reports whether sig is a valid Ed25519 signature of msg under
// publicKey.
func SignVerify(sig, msg, publicKey []byte) (bool, error) {
	if len(sig) != SignBytes {
		return false, SizeError{Kind: KindBadSignatureSize, Got: len(sig), Want: SignBytes}
	}
	if len(publicKey) != SignPublicKeyBytes {
		return false, SizeError{Kind: KindBadPublicKeySize, Got: len(publicKey), Want: SignPublicKeyBytes}
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig), nil
}
