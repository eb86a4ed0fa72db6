package hostcall

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalKeyIgnoresFieldOrder(t *testing.T) {
	a := CanonicalKey("kubernetes/get_resource", "ns", json.RawMessage(`{"kind":"Pod","name":"x"}`))
	b := CanonicalKey("kubernetes/get_resource", "ns", json.RawMessage(`{"name":"x","kind":"Pod"}`))
	require.Equal(t, a, b)
}

func TestCanonicalKeyDistinguishesCapabilityAndNamespace(t *testing.T) {
	payload := json.RawMessage(`{"a":1}`)
	k1 := CanonicalKey("kubernetes/get_resource", "ns1", payload)
	k2 := CanonicalKey("kubernetes/get_resource", "ns2", payload)
	k3 := CanonicalKey("kubernetes/list_resources_all", "ns1", payload)
	require.NotEqual(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestCanonicalKeyHandlesNestedStructures(t *testing.T) {
	a := CanonicalKey("cap", "ns", json.RawMessage(`{"outer":{"b":2,"a":1},"list":[{"y":2,"x":1}]}`))
	b := CanonicalKey("cap", "ns", json.RawMessage(`{"list":[{"x":1,"y":2}],"outer":{"a":1,"b":2}}`))
	require.Equal(t, a, b)
}

func TestTTLCacheGetPutRoundTrip(t *testing.T) {
	c := NewTTLCache(10, time.Minute, 10*time.Second)

	_, found, negative, _ := c.Get("missing")
	require.False(t, found)
	require.False(t, negative)

	c.Put("k", json.RawMessage(`{"v":1}`))
	value, found, negative, _ := c.Get("k")
	require.True(t, found)
	require.False(t, negative)
	require.JSONEq(t, `{"v":1}`, string(value))
}

func TestTTLCacheExpiresPositiveEntries(t *testing.T) {
	now := time.Now()
	c := NewTTLCache(10, time.Second, time.Second)
	c.now = func() time.Time { return now }

	c.Put("k", json.RawMessage(`1`))
	now = now.Add(2 * time.Second)

	_, found, _, _ := c.Get("k")
	require.False(t, found)
	require.Equal(t, 0, c.Len())
}

func TestTTLCacheNegativeEntryReturnsErrText(t *testing.T) {
	c := NewTTLCache(10, time.Minute, time.Minute)
	c.PutNegative("k", errors.New("upstream unavailable"))

	value, found, negative, errText := c.Get("k")
	require.True(t, found)
	require.True(t, negative)
	require.Nil(t, value)
	require.Equal(t, "upstream unavailable", errText)
}

func TestTTLCacheEvictsOldestBeyondMaxEntries(t *testing.T) {
	c := NewTTLCache(2, time.Minute, time.Minute)
	c.Put("a", json.RawMessage(`1`))
	c.Put("b", json.RawMessage(`2`))
	c.Put("c", json.RawMessage(`3`))

	require.Equal(t, 2, c.Len())
	_, found, _, _ := c.Get("a")
	require.False(t, found, "oldest entry should have been evicted")
	_, found, _, _ = c.Get("c")
	require.True(t, found)
}

func TestTTLCacheGetPromotesToFrontOfLRU(t *testing.T) {
	c := NewTTLCache(2, time.Minute, time.Minute)
	c.Put("a", json.RawMessage(`1`))
	c.Put("b", json.RawMessage(`2`))

	_, found, _, _ := c.Get("a")
	require.True(t, found)

	c.Put("c", json.RawMessage(`3`))

	_, found, _, _ = c.Get("a")
	require.True(t, found, "a was just accessed, so b should be evicted instead")
	_, found, _, _ = c.Get("b")
	require.False(t, found)
}
