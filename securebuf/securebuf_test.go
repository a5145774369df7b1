package securebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsZeroedAndNoAccess(t *testing.T) {
	t.Parallel()

	b := New(8)
	require.Equal(t, 8, b.Len())
	require.False(t, b.IsEmpty())
	require.Equal(t, NoAccess, b.State())

	data, release := b.AcquireRead()
	defer release()
	require.Equal(t, make([]byte, 8), data)
}

func TestWriteAndReadBack(t *testing.T) {
	t.Parallel()

	b := New(8)
	require.NoError(t, b.Write(0, []byte{42, 88, 132, 56, 12, 254, 212, 88}))

	data, release := b.AcquireRead()
	require.Equal(t, []byte{42, 88, 132, 56, 12, 254, 212, 88}, data)
	release()
	require.Equal(t, NoAccess, b.State())
}

func TestWriteOverflow(t *testing.T) {
	t.Parallel()

	b := New(4)
	err := b.Write(2, []byte{1, 2, 3})
	require.Error(t, err)
	var overflow ErrWriteOverflow
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, 2, overflow.Offset)
	require.Equal(t, 3, overflow.Len)
	require.Equal(t, 4, overflow.Cap)
}

func TestZeroAndCloneIndependence(t *testing.T) {
	t.Parallel()

	b1 := New(8)
	require.NoError(t, b1.Write(0, []byte{42, 88, 132, 56, 12, 254, 212, 88}))

	b2 := b1.Clone()
	b1.Zero()

	data1, release1 := b1.AcquireRead()
	require.Equal(t, make([]byte, 8), data1)
	release1()

	data2, release2 := b2.AcquireRead()
	require.Equal(t, []byte{42, 88, 132, 56, 12, 254, 212, 88}, data2)
	release2()
	require.Equal(t, NoAccess, b2.State())
}

func TestAcquireReadWriteMutatesUnderlying(t *testing.T) {
	t.Parallel()

	b := New(4)
	data, release := b.AcquireReadWrite()
	data[0] = 9
	release()
	require.Equal(t, NoAccess, b.State())

	readData, readRelease := b.AcquireRead()
	defer readRelease()
	require.Equal(t, byte(9), readData[0])
}

func TestAcquireWhileNotNoAccessPanics(t *testing.T) {
	t.Parallel()

	b := New(4)
	_, release := b.AcquireRead()
	defer release()

	require.Panics(t, func() {
		b.AcquireRead()
	})
}
