package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFromEnvValues(t *testing.T) {
	pairs, err := Resolve("", "btcusdt, ETHUSDT", "1m,1h")
	require.NoError(t, err)

	require.Len(t, pairs, 4)
	assert.Equal(t, Pair{Symbol: "BTCUSDT", Timeframe: "1m"}, pairs[0])
	assert.Equal(t, Pair{Symbol: "BTCUSDT", Timeframe: "1h"}, pairs[1])
	assert.Equal(t, Pair{Symbol: "ETHUSDT", Timeframe: "1m"}, pairs[2])
}

func TestResolveDefaultsTimeframe(t *testing.T) {
	pairs, err := Resolve("", "BTCUSDT", "")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "1m", pairs[0].Timeframe)
}

func TestResolveRejectsUnknownTimeframe(t *testing.T) {
	_, err := Resolve("", "BTCUSDT", "2m")
	require.Error(t, err)
}

func TestResolveRequiresSymbols(t *testing.T) {
	_, err := Resolve("", "", "1m")
	require.Error(t, err)
}

func TestResolveFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.yaml")
	content := []byte("symbols:\n  - BTCUSDT\n  - ETHUSDT\ntimeframes:\n  - 1m\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	pairs, err := Resolve(path, "", "")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "ETHUSDT", pairs[1].Symbol)
}

func TestLoadFromYAMLErrors(t *testing.T) {
	_, err := LoadFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("symbols: []\n"), 0o644))
	_, err = LoadFromYAML(empty)
	require.Error(t, err)
}
