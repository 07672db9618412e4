// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package lua_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	luaunit "github.com/unithost/unithost/internal/loader/lua"
	"github.com/unithost/unithost/pkg/param"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRuntime collects output and reports a settable stop flag.
type fakeRuntime struct {
	stop   atomic.Bool
	params param.Values

	mu    sync.Mutex
	lines []string
}

func (f *fakeRuntime) Stopped() bool        { return f.stop.Load() }
func (f *fakeRuntime) Params() param.Values { return f.params }

func (f *fakeRuntime) Log(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
}

func (f *fakeRuntime) Logf(format string, args ...any) {
	f.Log(fmt.Sprintf(format, args...))
}

func (f *fakeRuntime) output() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// ctxRuntime mirrors the real runtime, where a stop request cancels the run
// context.
type ctxRuntime struct {
	fakeRuntime
	ctx context.Context
}

func (c *ctxRuntime) Stopped() bool { return c.ctx.Err() != nil }

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "main.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newUnit(t *testing.T, body string) *luaunit.Unit {
	t.Helper()

	u, err := luaunit.NewUnit(context.Background(), luaunit.Config{
		Name:  "probe",
		Entry: writeScript(t, body),
	})
	require.NoError(t, err)
	return u
}

func TestNewUnit_MissingEntry(t *testing.T) {
	_, err := luaunit.NewUnit(context.Background(), luaunit.Config{
		Name:  "ghost",
		Entry: filepath.Join(t.TempDir(), "main.lua"),
	})
	require.Error(t, err)
}

func TestNewUnit_SyntaxError(t *testing.T) {
	_, err := luaunit.NewUnit(context.Background(), luaunit.Config{
		Name:  "broken",
		Entry: writeScript(t, "function run("),
	})
	require.Error(t, err)
}

func TestNewUnit_RequiresRunFunction(t *testing.T) {
	_, err := luaunit.NewUnit(context.Background(), luaunit.Config{
		Name:  "inert",
		Entry: writeScript(t, "x = 1\n"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run()")
}

func TestUnit_MetadataAccessors(t *testing.T) {
	schema := param.Schema{
		{Name: "interval", Definition: param.Definition{Type: param.TypeFloat, Default: 1.0}},
	}
	u, err := luaunit.NewUnit(context.Background(), luaunit.Config{
		Name:        "ticker",
		Description: "emits lines",
		Entry:       writeScript(t, "function run()\nend\n"),
		Parameters:  schema,
	})
	require.NoError(t, err)

	assert.Equal(t, "ticker", u.Name())
	assert.Equal(t, "emits lines", u.Description())
	assert.Equal(t, []string{"interval"}, u.Parameters().Names())
}

func TestUnit_RunLogsAndReadsParams(t *testing.T) {
	u := newUnit(t, `
function run()
	unithost.log("starting")
	unithost.log(unithost.param("greeting"))
	unithost.log(string.format("%.1f", unithost.param("interval")))
	if unithost.param("loud") then
		unithost.log("loud")
	end
end
`)
	rt := &fakeRuntime{params: param.Values{
		"greeting": "hello",
		"interval": 2.5,
		"loud":     true,
	}}

	require.NoError(t, u.Run(context.Background(), rt))
	assert.Equal(t, []string{"starting", "hello", "2.5", "loud"}, rt.output())
}

func TestUnit_UndeclaredParamIsNil(t *testing.T) {
	u := newUnit(t, `
function run()
	if unithost.param("ghost") == nil then
		unithost.log("missing")
	end
end
`)
	rt := &fakeRuntime{}

	require.NoError(t, u.Run(context.Background(), rt))
	assert.Equal(t, []string{"missing"}, rt.output())
}

func TestUnit_RunStopsWhenRequested(t *testing.T) {
	u := newUnit(t, `
function run()
	while not unithost.stopped() do
		unithost.sleep(0.005)
	end
	unithost.log("stopped cleanly")
end
`)
	rt := &fakeRuntime{}

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), rt) }()

	time.Sleep(30 * time.Millisecond)
	rt.stop.Store(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not stop")
	}
	assert.Equal(t, []string{"stopped cleanly"}, rt.output())
}

func TestUnit_SleepWakesEarlyOnStop(t *testing.T) {
	u := newUnit(t, `
function run()
	if unithost.sleep(60) then
		unithost.log("woke to stop")
	end
end
`)
	rt := &fakeRuntime{}

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), rt) }()

	time.Sleep(20 * time.Millisecond)
	rt.stop.Store(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not wake on stop")
	}
	assert.Equal(t, []string{"woke to stop"}, rt.output())
}

func TestUnit_CancelAbortsTightLoop(t *testing.T) {
	u := newUnit(t, `
function run()
	while true do end
end
`)
	ctx, cancel := context.WithCancel(context.Background())
	rt := &ctxRuntime{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, rt) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		// An abort after a stop request counts as a clean exit.
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the interpreter")
	}
}

func TestUnit_RuntimeErrorSurfaces(t *testing.T) {
	u := newUnit(t, `
function run()
	error("boom")
end
`)
	rt := &fakeRuntime{}

	err := u.Run(context.Background(), rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestUnit_FreshStateBetweenRuns(t *testing.T) {
	u := newUnit(t, `
function run()
	if seen then
		unithost.log("leaked")
	else
		unithost.log("fresh")
	end
	seen = true
end
`)
	rt := &fakeRuntime{}

	require.NoError(t, u.Run(context.Background(), rt))
	require.NoError(t, u.Run(context.Background(), rt))
	assert.Equal(t, []string{"fresh", "fresh"}, rt.output())
}
