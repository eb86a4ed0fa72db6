package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyIsStableSHA256OfWasmBytes(t *testing.T) {
	wasm := []byte{0x00, 0x61, 0x73, 0x6d}
	m := &Module{wasm: wasm}

	sum := sha256.Sum256(wasm)
	require.Equal(t, hex.EncodeToString(sum[:]), m.CacheKey())
}

func TestCacheKeyDiffersForDifferentBytes(t *testing.T) {
	a := &Module{wasm: []byte("a")}
	b := &Module{wasm: []byte("b")}
	require.NotEqual(t, a.CacheKey(), b.CacheKey())
}
