package burrego

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

func TestDeadlineFromUsesContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := deadlineFrom(ctx)
	require.Greater(t, got, time.Duration(0))
	require.LessOrEqual(t, got, 50*time.Millisecond)
}

func TestDeadlineFromDefaultsWithNoDeadlineSet(t *testing.T) {
	require.Equal(t, 2*time.Second, deadlineFrom(context.Background()))
}

func TestDeadlineFromDefaultsWhenDeadlineAlreadyPassed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	require.Equal(t, 2*time.Second, deadlineFrom(ctx))
}

func TestEntrypointIDResolvesSoleEntrypointWhenNameEmpty(t *testing.T) {
	vm := &VM{entrypoints: map[string]int32{"validate": 4}}
	id, err := vm.EntrypointID("")
	require.NoError(t, err)
	require.EqualValues(t, 4, id)
}

func TestEntrypointIDRejectsEmptyNameWithMultipleEntrypoints(t *testing.T) {
	vm := &VM{entrypoints: map[string]int32{"validate": 4, "violation": 5}}
	_, err := vm.EntrypointID("")
	require.ErrorIs(t, err, policy.ErrValidation)
}

func TestEntrypointIDResolvesByName(t *testing.T) {
	vm := &VM{entrypoints: map[string]int32{"validate": 4, "violation": 5}}
	id, err := vm.EntrypointID("violation")
	require.NoError(t, err)
	require.EqualValues(t, 5, id)
}

func TestEntrypointIDRejectsUnknownName(t *testing.T) {
	vm := &VM{entrypoints: map[string]int32{"validate": 4}}
	_, err := vm.EntrypointID("nope")
	require.ErrorIs(t, err, policy.ErrValidation)
}
