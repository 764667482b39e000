package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("SUBSIDYD_TEST_KEY", " 0xabc ")
	src := NewSource("SUBSIDYD_TEST_KEY", "ledger signing key")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "0xabc", value)

	t.Setenv("SUBSIDYD_TEST_KEY", "changed")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "0xabc", value)
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("SUBSIDYD_TEST_KEY", "   ")
	_, err := NewSource("SUBSIDYD_TEST_KEY", "").Get()
	require.ErrorContains(t, err, "set but empty")
}
