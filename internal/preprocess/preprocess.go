// internal/preprocess/preprocess.go
//
// Registry and runner for route preprocess callables.
//
// Context
// -------
// Routes name their preprocess steps as callable references resolved at
// compile time to a registry key ("module:name" or "path:name").  The
// host process registers implementations under those keys during
// startup, modules in an init() function; resolution happens lazily at
// execute time, so a route referencing an unregistered callable fails
// only when first requested.
//
// Each step receives the current parameter map plus a small call
// context and returns a replacement map, or nil to keep the current
// one.  Steps run synchronously in declared order, each seeing the
// previous step's output.  A panic inside a step is recovered and
// surfaced as a tagged failure rather than unwinding the handler.
//
// Notes
// -----
// • Steps may perform I/O; the runner does not time them out.
// • Oxford commas, two spaces after periods.
package preprocess

import (
	"errors"
	"sync"

	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
	"github.com/yanizio/querydeck/internal/route"
)

// Context carries per-call information into a step.  Options come from
// the route's callable reference, Meta from the request middleware.
type Context struct {
	RouteID string
	Options map[string]any
	Meta    requestmeta.Meta
}

// Func is one preprocess step.  Returning nil keeps the current map.
type Func func(ctx *Context, params map[string]any) (map[string]any, error)

var (
	mu       sync.RWMutex
	registry = map[string]Func{}
)

// Register binds an implementation to a callable key.  Later
// registrations win; startup code owns the keyspace.
func Register(key string, fn Func) {
	mu.Lock()
	registry[key] = fn
	mu.Unlock()
}

// Resolve finds the implementation for a compiled callable reference.
func Resolve(ref route.CallableRef) (Func, error) {
	mu.RLock()
	fn := registry[ref.Key()]
	mu.RUnlock()
	if fn == nil {
		return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
			"no callable registered for %q", ref.Key())
	}
	return fn, nil
}

// Run executes a route's preprocess chain over params and returns the
// final map.  The input map is never mutated by the runner itself;
// steps receive it directly and may mutate or replace it.
func Run(routeID string, steps []route.CallableRef, params map[string]any, meta requestmeta.Meta) (map[string]any, error) {
	current := params
	for _, ref := range steps {
		fn, err := Resolve(ref)
		if err != nil {
			return nil, err
		}
		cctx := &Context{RouteID: routeID, Options: ref.Options, Meta: meta}
		next, err := invoke(fn, cctx, current)
		if err != nil {
			return nil, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

// invoke runs one step with panic recovery.  Errors the step already
// tagged pass through; anything else becomes preprocess_error.
func invoke(fn Func, ctx *Context, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = qerr.New(qerr.CodePreprocess, qerr.KindData,
				"callable panicked: %v", r)
		}
	}()

	out, err = fn(ctx, params)
	if err != nil {
		var qe *qerr.Error
		if errors.As(err, &qe) {
			return nil, err
		}
		return nil, qerr.Wrap(qerr.CodePreprocess, qerr.KindData, err, "callable failed")
	}
	return out, nil
}
