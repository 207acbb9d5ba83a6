package pstring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycache/relay/pkg/pstring"
)

func TestAppend(t *testing.T) {
	var b pstring.Buffer
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	require.Equal(t, "hello world", b.String())
	require.Equal(t, 11, b.Len())
}

func TestReplace(t *testing.T) {
	var b pstring.Buffer
	b.Append([]byte("stale"))
	b.Replace([]byte("fresh"))
	require.Equal(t, "fresh", b.String())
}

func TestSubstringRetainsSuffix(t *testing.T) {
	var b pstring.Buffer
	b.Append([]byte("0123456789"))
	b.Substring(4)
	require.Equal(t, "456789", b.String())
}

func TestSubstringWholeLengthEmpties(t *testing.T) {
	var b pstring.Buffer
	b.Append([]byte("abcdef"))
	b.Substring(b.Len())
	require.Equal(t, 0, b.Len())
}

func TestSubstringZeroIsNoop(t *testing.T) {
	var b pstring.Buffer
	b.Append([]byte("abcdef"))
	b.Substring(0)
	require.Equal(t, "abcdef", b.String())
}

func TestAppendExtractRoundTrip(t *testing.T) {
	var b pstring.Buffer
	payload := []byte("the quick brown fox")
	b.Append(payload)
	require.Equal(t, payload, b.Bytes())
}
