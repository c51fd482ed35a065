package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/capability"
)

func newExec(opts ...Option) *Executor {
	return New(nil, opts...)
}

func testCaps(t *testing.T, calls *[]map[string]any) *capability.Set {
	t.Helper()
	compute := capability.NewClient(capability.Compute, map[string]capability.Method{
		"describeInstances": func(_ context.Context, params map[string]any) (any, error) {
			*calls = append(*calls, params)
			return map[string]any{"Reservations": []any{map[string]any{"ReservationId": "r-1"}}}, nil
		},
		"describeVolumes": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("AccessDenied")
		},
	})
	return capability.NewStaticSet("us-east-1", compute)
}

func TestExecute_CompletedJoinsLines(t *testing.T) {
	out := newExec().Execute(context.Background(), `console.log("a"); console.info("b", 2);`, nil, time.Second)
	assert.Equal(t, KindCompleted, out.Kind)
	assert.Equal(t, "a\nb 2", out.Text())
	assert.Equal(t, []Line{{Level: "log", Text: "a"}, {Level: "info", Text: "b 2"}}, out.Lines)
}

func TestExecute_NoOutputSentinel(t *testing.T) {
	out := newExec().Execute(context.Background(), `const x = 1 + 1;`, nil, time.Second)
	assert.Equal(t, KindCompleted, out.Kind)
	assert.Equal(t, NoOutput, out.Text())
}

func TestExecute_LevelsPrefixed(t *testing.T) {
	out := newExec().Execute(context.Background(), `console.warn("w"); console.error("e"); console.debug("d");`, nil, time.Second)
	assert.Equal(t, "[warn] w\n[error] e\n[debug] d", out.Text())
}

func TestExecute_ObjectsAreJSON(t *testing.T) {
	out := newExec().Execute(context.Background(), `console.log({a: 1, b: [1, 2]});`, nil, time.Second)
	assert.Equal(t, `{"a":1,"b":[1,2]}`, out.Text())
}

func TestExecute_ThrowKeepsEarlierLines(t *testing.T) {
	out := newExec().Execute(context.Background(), `
console.log("one");
console.log("two");
throw new Error("boom");
console.log("never");
`, nil, time.Second)
	assert.Equal(t, KindThrew, out.Kind)
	assert.Equal(t, PhaseRuntime, out.Phase)
	require.Len(t, out.Lines, 3)
	assert.Equal(t, "one", out.Lines[0].Text)
	assert.Equal(t, "two", out.Lines[1].Text)
	assert.Equal(t, "error", out.Lines[2].Level)
	assert.Contains(t, out.Lines[2].Text, "boom")
	assert.Contains(t, out.Message, "boom")
}

func TestExecute_ThrowNonError(t *testing.T) {
	out := newExec().Execute(context.Background(), `throw "plain";`, nil, time.Second)
	assert.Equal(t, KindThrew, out.Kind)
	assert.Equal(t, "Uncaught plain", out.Message)
}

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	start := time.Now()
	out := newExec().Execute(context.Background(), `console.log("before"); while (true) {}`, nil, 100*time.Millisecond)
	assert.Equal(t, KindTimedOut, out.Kind)
	assert.Equal(t, []Line{{Level: "log", Text: "before"}}, out.Lines)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, out.Text(), "before")
	assert.Contains(t, out.Text(), "timed out")
}

func TestExecute_CompileError(t *testing.T) {
	out := newExec().Execute(context.Background(), `console.log("x" ;`, nil, time.Second)
	assert.Equal(t, KindThrew, out.Kind)
	assert.Equal(t, PhaseCompile, out.Phase)
	assert.Empty(t, out.Lines)
	assert.Contains(t, out.Text(), "Execution failed (compile)")
}

func TestExecute_PendingPromise(t *testing.T) {
	out := newExec().Execute(context.Background(), `await new Promise(() => {});`, nil, time.Second)
	assert.Equal(t, KindThrew, out.Kind)
	assert.Equal(t, PhaseRuntime, out.Phase)
}

func TestExecute_CapabilityCall(t *testing.T) {
	var calls []map[string]any
	out := newExec().Execute(context.Background(), `
const res = await compute.describeInstances({instanceIds: ["i-1"]});
console.log(res.Reservations[0].ReservationId);
`, testCaps(t, &calls), time.Second)
	require.Equal(t, KindCompleted, out.Kind, out.Text())
	assert.Equal(t, "r-1", out.Text())
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"i-1"}, calls[0]["instanceIds"])
}

func TestExecute_CapabilityErrorIsCatchable(t *testing.T) {
	var calls []map[string]any
	out := newExec().Execute(context.Background(), `
try {
  compute.describeVolumes();
} catch (e) {
  console.log("caught", e.message);
}
`, testCaps(t, &calls), time.Second)
	require.Equal(t, KindCompleted, out.Kind, out.Text())
	assert.Equal(t, "caught AccessDenied", out.Text())
}

func TestExecute_NoHostGlobals(t *testing.T) {
	out := newExec().Execute(context.Background(), `
console.log(typeof require, typeof process, typeof fetch, typeof compute);
`, nil, time.Second)
	assert.Equal(t, "undefined undefined undefined undefined", out.Text())
}

func TestExecute_OutputCapped(t *testing.T) {
	out := newExec(WithMaxOutput(10)).Execute(context.Background(), `
console.log("0123456789abc");
console.log("dropped");
`, nil, time.Second)
	assert.Equal(t, KindCompleted, out.Kind)
	assert.True(t, out.Truncated)
	assert.Equal(t, "0123456789\n"+truncationMarker, out.Text())
}

func TestExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out := newExec().Execute(ctx, `while (true) {}`, nil, 5*time.Second)
	assert.Equal(t, KindTimedOut, out.Kind)
	assert.Equal(t, "cancelled", out.Message)
}

func TestExecute_DefaultDeadline(t *testing.T) {
	out := newExec(WithTimeout(50*time.Millisecond)).Execute(context.Background(), `while (true) {}`, nil, 0)
	assert.Equal(t, KindTimedOut, out.Kind)
	assert.Equal(t, 50*time.Millisecond, out.Deadline.Sub(out.StartedAt))
}

type recordingSink struct{ kinds []string }

func (r *recordingSink) StepExecuted(kind string, _ time.Duration) { r.kinds = append(r.kinds, kind) }

func TestExecute_EmitsMetric(t *testing.T) {
	sink := &recordingSink{}
	e := newExec(WithMetrics(sink))
	e.Execute(context.Background(), `1`, nil, time.Second)
	e.Execute(context.Background(), `throw 1`, nil, time.Second)
	assert.Equal(t, []string{"completed", "threw"}, sink.kinds)
}

func TestOutcomeText_TimedOutWithoutLines(t *testing.T) {
	start := time.Unix(0, 0)
	o := Outcome{Kind: KindTimedOut, StartedAt: start, Deadline: start.Add(30 * time.Second)}
	assert.Equal(t, "Execution timed out after 30s.", o.Text())
	assert.False(t, strings.HasPrefix(o.Text(), "\n"))
}
