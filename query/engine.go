package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/types"
)

// DefaultEvalTimeout bounds a single predicate or map evaluation when
// the caller's context carries no deadline.
const DefaultEvalTimeout = 5 * time.Second

// specCacheSize bounds the parsed-query LRU.
const specCacheSize = 1024

// ErrEvalTimeout is returned when a sandboxed evaluation exceeds its
// deadline.
var ErrEvalTimeout = errors.New("evaluation timed out")

// engine is a single sandboxed JavaScript evaluator. Runtimes are not
// safe for concurrent use; ownership passes through the pool channel so
// exactly one goroutine drives an engine at a time.
type engine struct {
	vm       *goja.Runtime
	programs map[uint64]*goja.Program
}

func newEngine() *engine {
	vm := goja.New()
	// No host bindings: the sandbox exposes nothing beyond ECMAScript
	// built-ins, so predicates cannot reach I/O or process state.
	return &engine{vm: vm, programs: make(map[uint64]*goja.Program)}
}

// program returns the compiled form of src, parsing at most once per
// engine.
func (e *engine) program(src string) (*goja.Program, error) {
	h := fnv.New64a()
	h.Write([]byte(src))
	key := h.Sum64()
	if prog, ok := e.programs[key]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("lambda", "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile lambda: %w", err)
	}
	e.programs[key] = prog
	return prog, nil
}

// call evaluates the lambda against doc with a wall-clock interrupt.
func (e *engine) call(src string, doc any, deadline time.Time) (goja.Value, error) {
	prog, err := e.program(src)
	if err != nil {
		return nil, err
	}
	fnVal, err := e.vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("evaluate lambda: %w", err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("expression is not a function")
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		e.vm.Interrupt(ErrEvalTimeout)
	})
	defer func() {
		timer.Stop()
		e.vm.ClearInterrupt()
	}()

	result, err := fn(goja.Undefined(), e.vm.ToValue(doc))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrEvalTimeout
		}
		return nil, fmt.Errorf("lambda error: %w", err)
	}
	return result, nil
}

// EnginePool is a fixed set of sandboxed evaluators handed out through
// a ready queue, plus an LRU of parsed query specs keyed by DSL source.
type EnginePool struct {
	engines  chan *engine
	compiler *Compiler
	specs    *lru.Cache[string, *types.QuerySpec]
	timeout  time.Duration
}

// NewEnginePool creates size engines (logical CPU count when size <= 0)
// for the given dialect.
func NewEnginePool(size int, dialect db.Dialect) *EnginePool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	engines := make(chan *engine, size)
	for i := 0; i < size; i++ {
		engines <- newEngine()
	}
	specs, _ := lru.New[string, *types.QuerySpec](specCacheSize)
	return &EnginePool{
		engines:  engines,
		compiler: NewCompiler(dialect),
		specs:    specs,
		timeout:  DefaultEvalTimeout,
	}
}

// Size reports the number of engines in the pool.
func (p *EnginePool) Size() int { return cap(p.engines) }

// Compiler exposes the pool's dialect-bound compiler.
func (p *EnginePool) Compiler() *Compiler { return p.compiler }

// ParseQuery parses and compiles a DSL source, consulting the spec
// cache first. Cached specs are shared; callers must not mutate them.
func (p *EnginePool) ParseQuery(source string) (*types.QuerySpec, error) {
	if spec, ok := p.specs.Get(source); ok {
		return spec, nil
	}
	spec, err := p.compiler.Parse(source)
	if err != nil {
		return nil, err
	}
	p.specs.Add(source, spec)
	return spec, nil
}

// acquire checks an engine out of the pool, honoring ctx cancellation.
func (p *EnginePool) acquire(ctx context.Context) (*engine, error) {
	select {
	case e := <-p.engines:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *EnginePool) release(e *engine) {
	p.engines <- e
}

func (p *EnginePool) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(p.timeout)
}

// EvalPredicate runs a predicate lambda against a document payload and
// reports whether it matched.
func (p *EnginePool) EvalPredicate(ctx context.Context, src string, doc json.RawMessage) (bool, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer p.release(e)

	var payload any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	result, err := e.call(src, payload, p.deadline(ctx))
	if err != nil {
		return false, err
	}
	return result.ToBoolean(), nil
}

// EvalMap runs a map lambda against a document payload and returns the
// mapped JSON value.
func (p *EnginePool) EvalMap(ctx context.Context, src string, doc json.RawMessage) (json.RawMessage, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(e)

	var payload any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	result, err := e.call(src, payload, p.deadline(ctx))
	if err != nil {
		return nil, err
	}
	mapped, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("encode mapped value: %w", err)
	}
	return mapped, nil
}
