// Package clock implements the Time capability group:
// now_ns, a host monotonic-safe clock cached per evaluation so every call
// within one evaluation observes the same wall-clock instant.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

type nowResponse struct {
	UnixNano int64 `json:"unixNano"`
}

// Frozen returns a Handler that always reports t, the instant the
// evaluation began — every now_ns call within one evaluate() sees the same
// value.
func Frozen(t time.Time) hostcall.Handler {
	payload, _ := json.Marshal(nowResponse{UnixNano: t.UnixNano()})
	return func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}
}

// Register wires time/now_ns into catalog using Frozen(at). Never cached
// across evaluations (a new handler/value is installed per call).
func Register(catalog *hostcall.Catalog, at time.Time) {
	catalog.Register("time/now_ns", Frozen(at), nil)
}
