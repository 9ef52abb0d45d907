// Package script runs handler overrides written in Lua.
//
// Every configured file is loaded into one interpreter. A target "lua:name"
// calls the global function name with the decoded params as its only argument;
// its first return value, encoded as JSON, is the call result. Only the base,
// table, string and math libraries are available to scripts, plus a langbridge
// table with a log function.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Endpoint is the "lua" override endpoint.
type Endpoint struct {
	mu     sync.Mutex
	L      *lua.LState
	log    zerolog.Logger
	closed bool
}

// New creates an endpoint and loads files in order.
func New(files []string, log zerolog.Logger) (*Endpoint, error) {
	e := newEndpoint(log)
	for _, f := range files {
		if err := e.L.DoFile(f); err != nil {
			e.L.Close()
			return nil, errors.Wrapf(err, "load script %s", f)
		}
		log.Debug().Str("file", f).Msg("loaded script")
	}
	return e, nil
}

// NewFromString creates an endpoint from Lua source.
func NewFromString(src string, log zerolog.Logger) (*Endpoint, error) {
	e := newEndpoint(log)
	if err := e.L.DoString(src); err != nil {
		e.L.Close()
		return nil, errors.Wrap(err, "load script")
	}
	return e, nil
}

func newEndpoint(log zerolog.Logger) *Endpoint {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		open(L)
	}
	// Base opens loaders that reach the file system.
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	e := &Endpoint{L: L, log: log}
	api := L.NewTable()
	L.SetField(api, "log", L.NewFunction(e.luaLog))
	L.SetGlobal("langbridge", api)
	return e
}

// Call runs procedure and returns its first result.
func (e *Endpoint) Call(ctx context.Context, procedure string, params json.RawMessage) (json.RawMessage, error) {
	rets, err := e.invoke(ctx, procedure, params, 1)
	if err != nil {
		return nil, err
	}
	var result any
	if len(rets) > 0 {
		result = rets[0]
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrapf(err, "encode result of %s", procedure)
	}
	return out, nil
}

// Notify runs procedure and discards its results.
func (e *Endpoint) Notify(ctx context.Context, procedure string, params json.RawMessage) error {
	_, err := e.invoke(ctx, procedure, params, 0)
	return err
}

// Has reports whether procedure is a global function.
func (e *Endpoint) Has(procedure string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	_, ok := e.L.GetGlobal(procedure).(*lua.LFunction)
	return ok
}

// Close releases the interpreter.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.L.Close()
	}
	return nil
}

func (e *Endpoint) invoke(ctx context.Context, procedure string, params json.RawMessage, nret int) ([]any, error) {
	arg, err := decodeParams(params)
	if err != nil {
		return nil, errors.Wrapf(err, "decode params for %s", procedure)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	fn, ok := e.L.GetGlobal(procedure).(*lua.LFunction)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFunction, "%q", procedure)
	}

	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	top := e.L.GetTop()
	e.L.Push(fn)
	e.L.Push(toLua(e.L, arg))
	if err := e.L.PCall(1, nret, nil); err != nil {
		e.L.SetTop(top)
		return nil, errors.Wrapf(err, "script %s", procedure)
	}

	n := e.L.GetTop() - top
	rets := make([]any, n)
	for i := 0; i < n; i++ {
		rets[i] = fromLua(e.L.Get(top + i + 1))
	}
	e.L.SetTop(top)
	return rets, nil
}

// luaLog implements langbridge.log(level, message).
func (e *Endpoint) luaLog(L *lua.LState) int {
	level, err := zerolog.ParseLevel(L.CheckString(1))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	e.log.WithLevel(level).Str("source", "script").Msg(L.CheckString(2))
	return 0
}

func decodeParams(params json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
