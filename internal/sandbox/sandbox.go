// Package sandbox runs planner-generated JavaScript against a capability set.
//
// Every call gets a fresh goja runtime holding only a console shim and the
// capability objects. There is no require, no process, no filesystem and no
// network beyond the capability methods. A hard deadline interrupts the VM.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nucleus-ops/nucleus/internal/capability"
	"github.com/nucleus-ops/nucleus/internal/telemetry"
)

const (
	// DefaultTimeout bounds one invocation.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutput caps captured console output in bytes.
	DefaultMaxOutput = 64 << 10
	// DefaultGrace is how long the executor waits for an interrupted VM.
	DefaultGrace = 2 * time.Second
)

var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

// MetricsSink receives one event per invocation.
type MetricsSink interface {
	StepExecuted(outcome string, d time.Duration)
}

type noopSink struct{}

func (noopSink) StepExecuted(string, time.Duration) {}

// Executor runs snippets. It is safe for concurrent use; each Execute call
// owns its runtime.
type Executor struct {
	timeout   time.Duration
	grace     time.Duration
	maxOutput int
	logger    *slog.Logger
	metrics   MetricsSink
	tracer    trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the deadline used when Execute is given none.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithGrace sets how long to wait for the VM after an interrupt.
func WithGrace(d time.Duration) Option { return func(e *Executor) { e.grace = d } }

// WithMaxOutput caps captured output.
func WithMaxOutput(n int) Option { return func(e *Executor) { e.maxOutput = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option { return func(e *Executor) { e.metrics = m } }

// New creates an Executor.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		timeout:   DefaultTimeout,
		grace:     DefaultGrace,
		maxOutput: DefaultMaxOutput,
		logger:    logger,
		metrics:   noopSink{},
		tracer:    telemetry.Tracer("nucleus/sandbox"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs code with caps bound into the global scope. A zero deadline
// uses the executor's default. Execute never panics and never returns an
// error: every failure is an Outcome.
func (e *Executor) Execute(ctx context.Context, code string, caps *capability.Set, deadline time.Duration) Outcome {
	if deadline <= 0 {
		deadline = e.timeout
	}
	start := time.Now()
	out := Outcome{Code: code, StartedAt: start, Deadline: start.Add(deadline)}

	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.Int("sandbox.code_bytes", len(code)),
		attribute.String("sandbox.region", caps.Region()),
	))
	defer func() {
		out.Duration = time.Since(start)
		span.SetAttributes(attribute.String("sandbox.outcome", string(out.Kind)))
		if out.Kind == KindThrew {
			span.SetStatus(codes.Error, out.Message)
		}
		span.End()
		e.metrics.StepExecuted(string(out.Kind), out.Duration)
	}()

	prog, err := goja.Compile("snippet.js", wrap(code), false)
	if err != nil {
		out.Kind, out.Phase, out.Message = KindThrew, PhaseCompile, err.Error()
		return out
	}

	callCtx, cancel := context.WithDeadline(ctx, out.Deadline)
	defer cancel()

	captured := &capture{max: e.maxOutput}
	res := make(chan result, 1)
	go func() {
		res <- e.run(callCtx, prog, caps, captured)
	}()

	var r result
	select {
	case r = <-res:
	case <-time.After(deadline + e.grace):
		// The VM ignored the interrupt, most likely stuck inside a host call.
		e.logger.Warn("sandbox: vm did not stop after interrupt", "grace", e.grace)
		r = result{kind: KindTimedOut}
	}

	out.Lines, out.Truncated = captured.snapshot()
	out.Kind, out.Phase, out.Message = r.kind, r.phase, r.message
	if out.Kind == KindTimedOut && out.Message == "" {
		out.Message = "deadline exceeded"
		if errors.Is(context.Cause(callCtx), context.Canceled) {
			out.Message = "cancelled"
		}
	}
	return out
}

type result struct {
	kind    Kind
	phase   Phase
	message string
}

// run executes prog in a fresh runtime. It recovers host panics so a broken
// capability binding surfaces as a setup failure.
func (e *Executor) run(ctx context.Context, prog *goja.Program, caps *capability.Set, captured *capture) (r result) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("sandbox: host panic", "panic", fmt.Sprint(p))
			r = result{kind: KindThrew, phase: PhaseSetup, message: fmt.Sprint(p)}
		}
	}()

	vm := goja.New()
	if err := install(ctx, vm, caps, captured); err != nil {
		return result{kind: KindThrew, phase: PhaseSetup, message: err.Error()}
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt("deadline exceeded") })
	defer stop()

	v, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return result{kind: KindTimedOut}
		}
		var ex *goja.Exception
		if errors.As(err, &ex) {
			msg := describe(ex.Value())
			captured.add("error", msg)
			return result{kind: KindThrew, phase: PhaseRuntime, message: msg}
		}
		return result{kind: KindThrew, phase: PhaseSetup, message: err.Error()}
	}
	if ctx.Err() != nil {
		return result{kind: KindTimedOut}
	}

	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return result{kind: KindCompleted}
	}
	switch p.State() {
	case goja.PromiseStateRejected:
		msg := describe(p.Result())
		captured.add("error", msg)
		return result{kind: KindThrew, phase: PhaseRuntime, message: msg}
	case goja.PromiseStatePending:
		msg := "snippet awaited a promise that never settled"
		captured.add("error", msg)
		return result{kind: KindThrew, phase: PhaseRuntime, message: msg}
	}
	return result{kind: KindCompleted}
}

// wrap puts code in an async function so snippets may await and return.
func wrap(code string) string {
	return "(async function () {\n" + code + "\n})()"
}

// install binds console and the capability objects into vm's global scope.
func install(ctx context.Context, vm *goja.Runtime, caps *capability.Set, captured *capture) error {
	console := vm.NewObject()
	for _, level := range consoleLevels {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = format(a)
			}
			captured.add(level, strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("bind console.%s: %w", level, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("bind console: %w", err)
	}

	for _, name := range caps.Names() {
		client, _ := caps.Client(name)
		obj := vm.NewObject()
		for _, mname := range client.Methods() {
			method, _ := client.Method(mname)
			if err := obj.Set(mname, bindMethod(ctx, vm, method)); err != nil {
				return fmt.Errorf("bind %s.%s: %w", name, mname, err)
			}
		}
		if err := vm.Set(name, obj); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func bindMethod(ctx context.Context, vm *goja.Runtime, m capability.Method) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var params map[string]any
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			exported, ok := arg.Export().(map[string]any)
			if !ok {
				panic(vm.NewTypeError("capability parameters must be an object"))
			}
			params = exported
		}
		v, err := m(ctx, params)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(v)
	}
}

// format renders one console argument.
func format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	switch obj.ClassName() {
	case "Error", "Function":
		return obj.String()
	}
	raw, err := json.Marshal(obj.Export())
	if err != nil {
		return obj.String()
	}
	return string(raw)
}

// describe renders a thrown value.
func describe(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		return obj.String()
	}
	return "Uncaught " + format(v)
}

// capture collects console lines in emission order, up to max bytes. The VM
// goroutine may outlive Execute, so access is locked.
type capture struct {
	mu        sync.Mutex
	lines     []Line
	size      int
	max       int
	truncated bool
}

func (c *capture) add(level, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	if c.max > 0 && c.size+len(text) > c.max {
		if room := c.max - c.size; room > 0 {
			c.lines = append(c.lines, Line{Level: level, Text: strings.ToValidUTF8(text[:room], "")})
			c.size = c.max
		}
		c.truncated = true
		return
	}
	c.lines = append(c.lines, Line{Level: level, Text: text})
	c.size += len(text)
}

func (c *capture) snapshot() ([]Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.lines...), c.truncated
}
