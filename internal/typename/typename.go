// Package typename derives stable, unique names for Go types. The buses use
// these names as routing keys and the event registry uses them as fallback
// discriminators when an event does not name itself.
package typename

import (
	"reflect"
	"sync"
)

var (
	mu    sync.RWMutex
	cache = make(map[reflect.Type]string)
)

// Of returns the qualified name (import path + type name) of x.
// Pointer types resolve to their element type.
func Of(x any) string {
	return ForType(reflect.TypeOf(x))
}

// For returns the qualified name of T.
func For[T any]() string {
	return ForType(reflect.TypeOf((*T)(nil)).Elem())
}

func ForType(t reflect.Type) string {
	if t == nil {
		return ""
	}

	mu.RLock()
	name, ok := cache[t]
	mu.RUnlock()
	if ok {
		return name
	}

	e := t
	if e.Kind() == reflect.Pointer {
		e = e.Elem()
	}
	name = e.PkgPath() + "." + e.Name()

	mu.Lock()
	cache[t] = name
	mu.Unlock()
	return name
}
