package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

func newTestEngine(t *testing.T) *sandbox.Engine {
	t.Helper()
	eng, err := sandbox.NewEngine(context.Background(), sandbox.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestRegistryLookupMissingPolicy(t *testing.T) {
	r := NewRegistry(newTestEngine(t))
	_, err := r.lookup("nope")
	require.ErrorIs(t, err, policy.ErrValidation)
}

func TestRegistryAddRejectsUnknownFlavor(t *testing.T) {
	r := NewRegistry(newTestEngine(t))
	err := r.Add(context.Background(), "bogus", []byte{0x00}, PolicyConfig{Flavor: policy.Flavor(99)})
	require.ErrorIs(t, err, policy.ErrValidation)
	require.Empty(t, r.Names())
}

func TestRegistryAddRejectsInvalidWasm(t *testing.T) {
	r := NewRegistry(newTestEngine(t))
	err := r.Add(context.Background(), "broken", []byte("not wasm"), PolicyConfig{Flavor: policy.FlavorProcedural})
	require.ErrorIs(t, err, policy.ErrValidation)
	require.Empty(t, r.Names())
}

func TestPolicyConfigDefaults(t *testing.T) {
	var cfg PolicyConfig
	require.Equal(t, "settings", cfg.settingsEntrypoint())
	require.Equal(t, "guest_alloc", cfg.allocator())

	cfg.SettingsEntrypoint = "custom_settings"
	cfg.Allocator = "my_alloc"
	require.Equal(t, "custom_settings", cfg.settingsEntrypoint())
	require.Equal(t, "my_alloc", cfg.allocator())
}

func TestRegistryCloseIsIdempotentOnEmptyRegistry(t *testing.T) {
	r := NewRegistry(newTestEngine(t))
	require.NoError(t, r.Close(context.Background()))
	require.Empty(t, r.Names())
}
