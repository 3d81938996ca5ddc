package cqrs

import "log/slog"

// Version is the per-aggregate event counter. It starts at 0 for an aggregate
// that has never raised an event; the first event carries version 1 and the
// stream is gapless from there.
type Version uint64

func (v Version) Uint64() uint64 { return uint64(v) }

func (v Version) SlogAttr() slog.Attr { return v.SlogAttrWithKey("version") }
func (v Version) SlogAttrWithKey(key string) slog.Attr {
	return slog.Uint64(key, uint64(v))
}
