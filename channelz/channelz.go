// Package channelz exposes the single on/off switch and the minimal
// per-transport counters gRPC's RPC path consults. A full channelz
// registry/service (entity tree, export over its own gRPC service) is out
// of scope for this module; only the two call sites stream.go exercises
// (the global IsOn switch and the message counters already implemented
// on the transports) live here.
package channelz

import "sync/atomic"

var enabled int32

// TurnOn enables channelz-gated bookkeeping (currently just the message
// counters transports already maintain unconditionally; gating them
// through IsOn mirrors how the real channelz avoids the atomic increments
// when no one will ever read them).
func TurnOn() { atomic.StoreInt32(&enabled, 1) }

// IsOn reports whether channelz bookkeeping is enabled.
func IsOn() bool { return atomic.LoadInt32(&enabled) == 1 }
