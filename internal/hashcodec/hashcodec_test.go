package hashcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	got, err := Sum(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestSumBytes_MatchesSum(t *testing.T) {
	content := []byte("the quick brown fox")
	viaReader, err := Sum(strings.NewReader(string(content)))
	require.NoError(t, err)
	require.Equal(t, viaReader, SumBytes(content))
}

func TestBase64RoundTrip(t *testing.T) {
	original := []byte{0x00, 0x01, 0xff, 'h', 'i'}
	encoded := EncodeBase64(original)
	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestDecodeBase64_Invalid(t *testing.T) {
	_, err := DecodeBase64("not-valid-base64!!")
	require.Error(t, err)
}
