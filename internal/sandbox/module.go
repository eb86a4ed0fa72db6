package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

// Module is the compiled, immutable PolicyModule artifact. It is cheap to
// instantiate repeatedly; compilation happens once.
type Module struct {
	compiled wazero.CompiledModule
	wasm     []byte
	Flavor   policy.Flavor

	// Entrypoint is the Rego entrypoint name (package/rule); empty for
	// procedural modules, where entrypoints are fixed exports.
	Entrypoint string
}

// CacheKey is a stable content-address for the compiled bytes, used by the
// caller's own PolicyRegistry to dedup identical policy references.
func (m *Module) CacheKey() string {
	sum := sha256.Sum256(m.wasm)
	return hex.EncodeToString(sum[:])
}

// Close releases the compiled module. Safe to call once the owning
// PolicyRegistry is dropped and no PolicyInstance references it anymore.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
