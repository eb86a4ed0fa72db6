package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

func TestChargeFuelDecrementsAndReportsExhaustion(t *testing.T) {
	i := &Instance{}
	i.fuelLeft.Store(2)

	require.True(t, i.ChargeFuel(1))
	require.True(t, i.ChargeFuel(1))
	require.False(t, i.ChargeFuel(1))
}

func TestPoisonedDefaultsFalse(t *testing.T) {
	i := &Instance{}
	require.False(t, i.Poisoned())
	i.poisoned.Store(true)
	require.True(t, i.Poisoned())
}

func TestCallRejectsAlreadyPoisonedInstance(t *testing.T) {
	i := &Instance{}
	i.poisoned.Store(true)

	_, err := i.Call(context.Background(), "validate", time.Second)
	require.ErrorIs(t, err, policy.ErrGuestTrap)
}

func TestCallRejectsExhaustedFuelBeforeTouchingGuest(t *testing.T) {
	i := &Instance{}
	i.fuelLeft.Store(0)

	_, err := i.Call(context.Background(), "validate", time.Second)
	require.ErrorIs(t, err, policy.ErrTimeout)
	require.True(t, i.Poisoned())
}
