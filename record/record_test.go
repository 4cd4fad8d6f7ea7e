package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeScalarRoundTrip(t *testing.T) {
	r := NewScalar(1_700_000_000_000, 42.5,
		map[string]string{"sensor": "temp_0"},
		map[string]string{"unit": "celsius"})

	buf := r.Encode()
	require.Equal(t, r.EncodedSize(), len(buf))

	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, r.Timestamp, got.Timestamp)
	require.Equal(t, ValueScalar, got.Kind)
	require.Equal(t, r.Scalar, got.Scalar)
	require.Equal(t, r.Tags, got.Tags)
	require.Equal(t, r.Fields, got.Fields)
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	r := NewVector(100, []float64{1, 2, 3.5, -4}, nil, nil)

	buf := r.Encode()
	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, ValueVector, got.Kind)
	require.Equal(t, r.Vector, got.Vector)
	require.Equal(t, map[string]string{}, got.Tags)
	require.Equal(t, map[string]string{}, got.Fields)
}

func TestDecodeTruncatedFailsCleanly(t *testing.T) {
	r := NewScalar(1, 1, map[string]string{"a": "b"}, nil)
	buf := r.Encode()

	for cut := 0; cut < len(buf); cut++ {
		_, _, err := Decode(buf[:cut])
		require.Error(t, err, "cut=%d should fail to decode, not panic", cut)
	}
}

func TestDecodeConcatenatedStream(t *testing.T) {
	r1 := NewScalar(1, 1, nil, nil)
	r2 := NewScalar(2, 2, nil, nil)

	var stream []byte
	stream = append(stream, r1.Encode()...)
	stream = append(stream, r2.Encode()...)

	got1, n1, err := Decode(stream)
	require.NoError(t, err)
	got2, n2, err := Decode(stream[n1:])
	require.NoError(t, err)
	require.Equal(t, n1+n2, len(stream))

	require.Equal(t, int64(1), got1.Timestamp)
	require.Equal(t, int64(2), got2.Timestamp)
}

func TestValidateRejectsEmptyVector(t *testing.T) {
	r := NewVector(1, nil, nil, nil)
	require.Error(t, r.Validate())
}

func TestCloneIsIndependent(t *testing.T) {
	r := NewScalar(1, 1, map[string]string{"a": "b"}, map[string]string{"c": "d"})
	cp := r.Clone()
	cp.Tags["a"] = "z"
	require.Equal(t, "b", r.Tags["a"])
}
