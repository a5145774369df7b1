package cryptosurface

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var s1Input = []byte{42, 1, 38, 2, 155, 212, 3, 11}

// TestHashSHA256Vector pins S1: the reference SHA-256 vector.
func TestHashSHA256Vector(t *testing.T) {
	t.Parallel()

	dst := make([]byte, HashSHA256Bytes)
	require.NoError(t, HashSHA256(dst, s1Input))
	require.Equal(t, []byte{
		0x45, 0x20, 0x8F, 0x8F, 0x1D, 0x1B, 0xE9, 0x3E, 0x61, 0xD1, 0x78, 0x9F, 0x89, 0xC1, 0x01, 0xD5,
		0x6B, 0x80, 0x21, 0xAA, 0xA5, 0x83, 0xD9, 0xAA, 0x42, 0xC0, 0xD6, 0xBE, 0x14, 0xB3, 0xDB, 0xB1,
	}, dst)
}

// TestHashSHA512Vector pins S2: the reference SHA-512 vector.
func TestHashSHA512Vector(t *testing.T) {
	t.Parallel()

	dst := make([]byte, HashSHA512Bytes)
	require.NoError(t, HashSHA512(dst, s1Input))
	require.Equal(t, []byte{
		0x69, 0xCE, 0x30, 0xFF, 0x50, 0x86, 0xC0, 0xB8, 0x6C, 0xD9, 0x7C, 0x31, 0xC1, 0x2B, 0x02, 0xDB,
		0x94, 0x1B, 0x5B, 0x9A, 0x59, 0x45, 0xE5, 0x4E, 0x0D, 0x4A, 0x33, 0x39, 0x34, 0xC9, 0xBA, 0x19,
		0x6D, 0xCE, 0x9B, 0xF2, 0xF9, 0x08, 0xB3, 0x22, 0x6A, 0xAA, 0xA0, 0x9E, 0x0B, 0x59, 0x55, 0x19,
		0x16, 0x46, 0x46, 0x96, 0x54, 0xDD, 0xB8, 0x82, 0xF5, 0xC4, 0x65, 0xC0, 0xA0, 0xE1, 0xA0, 0xFD,
	}, dst)
}

func TestHashSizeMismatch(t *testing.T) {
	t.Parallel()

	err := HashSHA256(make([]byte, HashSHA256Bytes+1), s1Input)
	var sizeErr SizeError
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadHashSize, sizeErr.Kind)

	err = HashSHA512(make([]byte, HashSHA512Bytes-1), s1Input)
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadHashSize, sizeErr.Kind)
}

func TestRandomBytesBufDiffers(t *testing.T) {
	t.Parallel()

	a := make([]byte, 8)
	b := make([]byte, 8)
	require.NoError(t, RandomBytesBuf(a))
	require.NoError(t, RandomBytesBuf(b))
	require.NotEqual(t, make([]byte, 8), a)
	require.NotEqual(t, a, b)
}

// TestPwhashDeterminism pins property 5's pwhash half: identical
// password+salt yields byte-identical output.
func TestPwhashDeterminism(t *testing.T) {
	t.Parallel()

	pw := []byte("hunter2-hunter2-hunter2")
	salt := make([]byte, PwhashSaltBytes)
	require.NoError(t, RandomBytesBuf(salt))

	h1 := make([]byte, PwhashBytes)
	h2 := make([]byte, PwhashBytes)
	require.NoError(t, Pwhash(h1, pw, salt))
	require.NoError(t, Pwhash(h2, pw, salt))
	require.Equal(t, h1, h2)
}

func TestPwhashSizeMismatch(t *testing.T) {
	t.Parallel()

	salt := make([]byte, PwhashSaltBytes)
	err := Pwhash(make([]byte, PwhashBytes+1), []byte("pw"), salt)
	var sizeErr SizeError
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadHashSize, sizeErr.Kind)

	err = Pwhash(make([]byte, PwhashBytes), []byte("pw"), make([]byte, PwhashSaltBytes-1))
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadSaltSize, sizeErr.Kind)
}

// TestSignSeedKeypairSizeRejection pins S5.
func TestSignSeedKeypairSizeRejection(t *testing.T) {
	t.Parallel()

	pk := make([]byte, SignPublicKeyBytes)
	sk := make([]byte, SignSecretKeyBytes)

	badSeed := make([]byte, SignSeedBytes+1)
	err := SignSeedKeypair(badSeed, pk, sk)
	var sizeErr SizeError
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadSeedSize, sizeErr.Kind)

	goodSeed := make([]byte, SignSeedBytes)
	shortPK := make([]byte, SignPublicKeyBytes-1)
	err = SignSeedKeypair(goodSeed, shortPK, sk)
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadPublicKeySize, sizeErr.Kind)

	shortSK := make([]byte, SignSecretKeyBytes-1)
	err = SignSeedKeypair(goodSeed, pk, shortSK)
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadSecretKeySize, sizeErr.Kind)
}

// TestSignSeedKeypairDeterministic pins S6.
func TestSignSeedKeypairDeterministic(t *testing.T) {
	t.Parallel()

	seed := make([]byte, SignSeedBytes) // zero-filled
	pk1 := make([]byte, SignPublicKeyBytes)
	sk1 := make([]byte, SignSecretKeyBytes)
	pk2 := make([]byte, SignPublicKeyBytes)
	sk2 := make([]byte, SignSecretKeyBytes)

	require.NoError(t, SignSeedKeypair(seed, pk1, sk1))
	require.NoError(t, SignSeedKeypair(seed, pk2, sk2))
	require.Equal(t, pk1, pk2)
	require.Equal(t, sk1, sk2)

	randomSeed := make([]byte, SignSeedBytes)
	require.NoError(t, RandomBytesBuf(randomSeed))
	pk3 := make([]byte, SignPublicKeyBytes)
	sk3 := make([]byte, SignSecretKeyBytes)
	require.NoError(t, SignSeedKeypair(randomSeed, pk3, sk3))
	require.NotEqual(t, pk1, pk3)
	require.NotEqual(t, sk1, sk3)
}

// TestSignSoundness pins property 6: verify succeeds for a real signature,
// fails for an unrelated one.
func TestSignSoundness(t *testing.T) {
	t.Parallel()

	pk := make([]byte, SignPublicKeyBytes)
	sk := make([]byte, SignSecretKeyBytes)
	require.NoError(t, SignKeypair(pk, sk))

	msg := make([]byte, 64)
	require.NoError(t, RandomBytesBuf(msg))

	sig := make([]byte, SignBytes)
	require.NoError(t, Sign(sig, msg, sk))

	ok, err := SignVerify(sig, msg, pk)
	require.NoError(t, err)
	require.True(t, ok)

	badSig := make([]byte, SignBytes)
	require.NoError(t, RandomBytesBuf(badSig))
	ok, err = SignVerify(badSig, msg, pk)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignKeypairSizeRejection(t *testing.T) {
	t.Parallel()

	var sizeErr SizeError
	err := SignKeypair(make([]byte, SignPublicKeyBytes+1), make([]byte, SignSecretKeyBytes))
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadPublicKeySize, sizeErr.Kind)

	err = SignKeypair(make([]byte, SignPublicKeyBytes), make([]byte, SignSecretKeyBytes+1))
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, KindBadSecretKeySize, sizeErr.Kind)
}
