package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(100)
	keys := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%03d", i)))
	}
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		require.True(t, f.MightContain(k), "key %q must never be a false negative", k)
	}
}

func TestMightContainAbsentKeyUsuallyFalse(t *testing.T) {
	f := New(50)
	for i := 0; i < 50; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	for i := 0; i < 200; i++ {
		if f.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 40, "false positive rate should stay reasonable at 10 bits/key")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(10)
	f.Add([]byte("apple"))
	f.Add([]byte("banana"))

	decoded := Decode(f.Bytes())
	require.True(t, decoded.MightContain([]byte("apple")))
	require.True(t, decoded.MightContain([]byte("banana")))
	require.Equal(t, f.NumBits(), decoded.NumBits())
}

func TestEncodeSizeMatchesBytes(t *testing.T) {
	f := New(37)
	require.Equal(t, EncodeSize(37), len(f.Bytes()))
}
