// Package engine evaluates the shape language: a small Lisp, run in a
// sandboxed zygomys interpreter, whose builtins build solids through a
// kernel.Kernel. It is how a run gets a model when no exported mesh is at
// hand.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/chazu/beso/pkg/kernel"
	zygo "github.com/glycerine/zygomys/zygo"
)

// EvalError is a non-fatal error in user source, such as a parse error or
// a bad builtin argument.
type EvalError struct {
	Line    int
	Col     int
	Message string
}

func (e EvalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Part is a solid named with defpart.
type Part struct {
	Name  string
	Solid kernel.Solid
}

// Result is the geometry a program produced. Solid is the union of all
// parts, or the program's final value when it defines no parts. It is nil
// for a program that builds nothing.
type Result struct {
	Solid kernel.Solid
	Parts []Part
}

// Engine evaluates shape programs against a kernel. It is safe for
// concurrent use; each call gets a fresh sandbox.
type Engine struct {
	k          kernel.Kernel
	mu         sync.Mutex
	generation uint64
}

// NewEngine returns an Engine that builds solids with k.
func NewEngine(k kernel.Kernel) *Engine {
	return &Engine{k: k}
}

// Evaluate runs source.
//
// Return semantics:
//   - On success: result + nil errors + nil error
//   - On parse/eval failure: nil result + eval errors + nil error
//   - On fatal failure (timeout, panic, superseded): nil + nil + error
func (e *Engine) Evaluate(source string) (*Result, []EvalError, error) {
	return e.EvaluateContext(context.Background(), source)
}

// EvaluateContext is Evaluate that also gives up when ctx ends.
func (e *Engine) EvaluateContext(ctx context.Context, source string) (*Result, []EvalError, error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()
		res, evalErrs, err := e.evaluate(source)
		ch <- evalResult{result: res, errors: evalErrs, err: err}
	}()

	return e.await(ctx, ch, gen)
}

func (e *Engine) evaluate(source string) (*Result, []EvalError, error) {
	if strings.TrimSpace(source) == "" {
		return &Result{}, nil, nil
	}

	// The sandbox has no filesystem or system calls.
	env := zygo.NewZlispSandbox()
	defer env.Stop()

	sc := newScene()
	registerBuiltins(env, e.k, sc)

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return nil, parseZygomysError(err), nil
	}
	last, err := env.Run()
	if err != nil {
		return nil, parseZygomysError(err), nil
	}

	res := &Result{Parts: sc.parts}
	switch {
	case len(sc.parts) > 0:
		res.Solid = sc.parts[0].Solid
		for _, p := range sc.parts[1:] {
			res.Solid = e.k.Union(res.Solid, p.Solid)
		}
	default:
		if s, ok := last.(*sexpSolid); ok {
			res.Solid = s.solid
		}
	}
	return res, nil, nil
}

// linePattern matches zygomys error messages that include "Error on line N: ..."
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// linePatternShort matches simpler "line N: ..." patterns.
var linePatternShort = regexp.MustCompile(`(?i)^line (\d+):\s*(.*)`)

// parseZygomysError converts a zygomys error into EvalErrors, extracting
// the line number when the message carries one.
func parseZygomysError(err error) []EvalError {
	msg := err.Error()
	for _, re := range []*regexp.Regexp{linePattern, linePatternShort} {
		if m := re.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[1])
			return []EvalError{{Line: line, Message: strings.TrimSpace(m[2])}}
		}
	}
	return []EvalError{{Message: strings.TrimSpace(msg)}}
}
