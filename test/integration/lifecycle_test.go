// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/unithost/unithost/internal/bus"
	"github.com/unithost/unithost/internal/configstore"
	"github.com/unithost/unithost/internal/host"
	"github.com/unithost/unithost/internal/loader"
	"github.com/unithost/unithost/internal/supervisor"
	"github.com/unithost/unithost/pkg/unit"
)

// eventLog collects every event the bus delivers, for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []unit.Event
}

func (l *eventLog) run(events <-chan unit.Event) {
	for ev := range events {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	}
}

func (l *eventLog) snapshot() []unit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]unit.Event(nil), l.events...)
}

func (l *eventLog) hasStatus(id string, status unit.Status) bool {
	for _, ev := range l.snapshot() {
		if ev.UnitID == id && ev.Kind == unit.KindStatusChanged && ev.Status == status {
			return true
		}
	}
	return false
}

func (l *eventLog) outputs(id string) []string {
	var out []string
	for _, ev := range l.snapshot() {
		if ev.UnitID == id && ev.Kind == unit.KindOutputGenerated {
			out = append(out, ev.Text)
		}
	}
	return out
}

func (l *eventLog) errors(id string) []unit.Event {
	var out []unit.Event
	for _, ev := range l.snapshot() {
		if ev.UnitID == id && ev.Kind == unit.KindErrorOccurred {
			out = append(out, ev)
		}
	}
	return out
}

// hostEnv is a fully wired host over temp directories.
type hostEnv struct {
	ctx      context.Context
	cancel   context.CancelFunc
	unitsDir string
	store    *configstore.Store
	bus      *bus.Bus
	sup      *supervisor.Supervisor
	mgr      *host.Manager
	log      *eventLog
	consumed chan struct{}
}

func newHostEnv() *hostEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

	unitsDir, err := os.MkdirTemp("", "unithost-units-*")
	Expect(err).NotTo(HaveOccurred())
	configDir, err := os.MkdirTemp("", "unithost-config-*")
	Expect(err).NotTo(HaveOccurred())

	store, err := configstore.New(configDir)
	Expect(err).NotTo(HaveOccurred())

	events := bus.New()
	sup := supervisor.New(events)
	mgr := host.New(store, sup, events, host.WithJoinTimeout(2*time.Second))

	env := &hostEnv{
		ctx:      ctx,
		cancel:   cancel,
		unitsDir: unitsDir,
		store:    store,
		bus:      events,
		sup:      sup,
		mgr:      mgr,
		log:      &eventLog{},
		consumed: make(chan struct{}),
	}

	Expect(events.Start(ctx)).To(Succeed())
	go func() {
		defer close(env.consumed)
		env.log.run(events.Events())
	}()
	return env
}

func (env *hostEnv) close() {
	_ = env.mgr.Shutdown(env.ctx)
	env.bus.Stop()
	<-env.consumed
	env.cancel()
	_ = os.RemoveAll(env.unitsDir)
}

// installUnit writes a lua unit under the env's units directory.
func (env *hostEnv) installUnit(name, manifest, script string) {
	dir := filepath.Join(env.unitsDir, name)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "unit.yaml"), []byte(manifest), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o600)).To(Succeed())
}

// loadAndRegister runs the loader over the units directory and registers
// everything it finds.
func (env *hostEnv) loadAndRegister() []string {
	ld, err := loader.New(env.unitsDir)
	Expect(err).NotTo(HaveOccurred())
	loaded, err := ld.LoadAll(env.ctx)
	Expect(err).NotTo(HaveOccurred())

	ids := make([]string, 0, len(loaded))
	for _, lu := range loaded {
		settings := host.Settings{Enabled: true, Autostart: lu.Manifest.AutoStart, StartOrder: host.DefaultStartOrder}
		if lu.Manifest.StartOrder != nil {
			settings.StartOrder = *lu.Manifest.StartOrder
		}
		id, err := env.mgr.Register(lu.Unit, host.WithInitialSettings(settings))
		Expect(err).NotTo(HaveOccurred())
		ids = append(ids, id)
	}
	return ids
}

const tickerManifest = `name: ticker
version: 1.0.0
type: lua
entry: main.lua
auto_start: true
parameters:
  - name: interval
    type: float
    label: Interval (seconds)
    value: 1.0
    min: 0.1
    max: 10.0
`

const tickerScript = `
function run()
  local interval = unithost.param("interval")
  unithost.log(string.format("interval=%.1f", interval))
  while not unithost.sleep(0.05) do
    unithost.log("tick")
  end
end
`

// loopScript runs until stopped without declaring any parameters.
const loopScript = `
function run()
  while not unithost.sleep(0.05) do
    unithost.log("tick")
  end
end
`

var _ = Describe("Unit lifecycle", func() {
	var env *hostEnv

	BeforeEach(func() {
		env = newHostEnv()
	})

	AfterEach(func() {
		env.close()
	})

	It("loads, starts, runs, and stops a lua unit from disk", func() {
		env.installUnit("ticker", tickerManifest, tickerScript)
		ids := env.loadAndRegister()
		Expect(ids).To(ConsistOf("ticker"))

		Expect(env.mgr.Start(env.ctx, "ticker")).To(Succeed())

		Eventually(func() bool {
			return env.log.hasStatus("ticker", unit.StatusRunning)
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

		Eventually(func() []string {
			return env.log.outputs("ticker")
		}, 2*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

		Expect(env.mgr.Stop("ticker")).To(Succeed())
		joinCtx, cancel := context.WithTimeout(env.ctx, 2*time.Second)
		defer cancel()
		Expect(env.mgr.Join(joinCtx, "ticker")).To(Succeed())

		Eventually(func() bool {
			return env.log.hasStatus("ticker", unit.StatusStopped)
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

		status, err := env.mgr.Status("ticker")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(unit.StatusStopped))
	})

	It("clamps an out-of-range persisted parameter and warns", func() {
		env.installUnit("ticker", tickerManifest, tickerScript)
		env.loadAndRegister()

		// Persist an interval above the declared max of 10.0.
		Expect(env.store.Save("ticker", configstore.Document{
			Version: 1,
			Body:    map[string]any{"params": map[string]any{"interval": 15.0}},
		})).To(Succeed())

		Expect(env.mgr.Start(env.ctx, "ticker")).To(Succeed())

		// The script reports the value it actually received.
		Eventually(func() []string {
			return env.log.outputs("ticker")
		}, 2*time.Second, 10*time.Millisecond).Should(ContainElement("interval=10.0"))

		// And the substitution surfaced as a warning event.
		Eventually(func() []unit.Event {
			return env.log.errors("ticker")
		}, 2*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
		for _, ev := range env.log.errors("ticker") {
			Expect(ev.Warn).To(BeTrue(), "clamping is a warning, not a failure")
		}
	})

	It("contains a failing unit without touching its neighbors", func() {
		env.installUnit("ticker", tickerManifest, tickerScript)
		env.installUnit("crasher", `name: crasher
version: 1.0.0
type: lua
entry: main.lua
`, `
function run()
  error("boom")
end
`)
		env.loadAndRegister()

		Expect(env.mgr.Start(env.ctx, "ticker")).To(Succeed())
		Eventually(func() bool {
			return env.log.hasStatus("ticker", unit.StatusRunning)
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

		Expect(env.mgr.Start(env.ctx, "crasher")).To(Succeed())

		Eventually(func() unit.Status {
			s, _ := env.mgr.Status("crasher")
			return s
		}, 2*time.Second, 10*time.Millisecond).Should(Equal(unit.StatusError))

		Eventually(func() []unit.Event {
			return env.log.errors("crasher")
		}, 2*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

		// The neighbor never noticed.
		status, err := env.mgr.Status("ticker")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(unit.StatusRunning))
	})

	It("autostarts enabled units in persisted order", func() {
		env.installUnit("early", `name: early
version: 1.0.0
type: lua
entry: main.lua
auto_start: true
start_order: 1
`, loopScript)
		env.installUnit("late", `name: late
version: 1.0.0
type: lua
entry: main.lua
auto_start: true
start_order: 2
`, loopScript)
		env.loadAndRegister()

		Expect(env.mgr.AutostartAll(env.ctx)).To(Succeed())

		Eventually(func() bool {
			return env.log.hasStatus("early", unit.StatusRunning) &&
				env.log.hasStatus("late", unit.StatusRunning)
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

		// starting events record the launch order.
		var starts []string
		for _, ev := range env.log.snapshot() {
			if ev.Kind == unit.KindStatusChanged && ev.Status == unit.StatusStarting {
				starts = append(starts, ev.UnitID)
			}
		}
		Expect(starts).To(Equal([]string{"early", "late"}))
	})

	It("round-trips configuration through save and load", func() {
		env.installUnit("ticker", tickerManifest, tickerScript)
		env.loadAndRegister()

		doc := configstore.Document{
			Version: 1,
			Body: map[string]any{
				"params": map[string]any{"interval": 2.5},
				"custom": "preserved",
			},
		}
		Expect(env.mgr.SaveConfig("ticker", doc)).To(Succeed())

		loaded, err := env.mgr.LoadConfig("ticker", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Version).To(Equal(1))
		Expect(loaded.Body["custom"]).To(Equal("preserved"))
		params, ok := loaded.Body["params"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(params["interval"]).To(BeNumerically("==", 2.5))
	})
})
