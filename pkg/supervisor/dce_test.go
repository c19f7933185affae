package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consolelink/linkmond/pkg/config"
	"github.com/consolelink/linkmond/pkg/store"
)

type fakeConfigStore struct {
	mu     sync.Mutex
	fields map[string]map[string]string
	events chan store.Change
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		fields: make(map[string]map[string]string),
		events: make(chan store.Change, 16),
	}
}

func (f *fakeConfigStore) Key(table, id string) string { return table + "|" + id }

func (f *fakeConfigStore) GetField(key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.fields[key]
	if !ok {
		return "", false, nil
	}
	v, ok := m[field]
	return v, ok, nil
}

func (f *fakeConfigStore) HGetAll(key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.fields[key]
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

func (f *fakeConfigStore) Keys(pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.fields {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeConfigStore) SubscribeKeyspace(keyPattern string) (<-chan store.Change, func()) {
	return f.events, func() {}
}

func (f *fakeConfigStore) setPort(id, device string) {
	f.mu.Lock()
	f.fields["CONSOLE_PORT|"+id] = map[string]string{
		fieldRemoteDeviceName: device,
		fieldBaudRate:         "9600",
	}
	f.mu.Unlock()
	f.events <- store.Change{Key: "CONSOLE_PORT|" + id, Kind: store.ChangeHSet}
}

func (f *fakeConfigStore) deletePort(id string) {
	f.mu.Lock()
	delete(f.fields, "CONSOLE_PORT|"+id)
	f.mu.Unlock()
	f.events <- store.Change{Key: "CONSOLE_PORT|" + id, Kind: store.ChangeDel}
}

type fakeProxy struct {
	mu      sync.Mutex
	stopped bool
	runDone chan struct{}
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{runDone: make(chan struct{})}
}

func (p *fakeProxy) Run() {
	<-p.runDone
}

func (p *fakeProxy) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.runDone)
	}
	p.mu.Unlock()
}

func (p *fakeProxy) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// waitUntil polls cond every few ms up to 1s, for assertions against the
// supervisor's asynchronous reconcile loop.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within deadline")
}

// S8: a CONSOLE_PORT entry appears, a proxy starts for it; the entry is
// removed, the proxy is stopped (spec.md §8, §4.5).
func TestSupervisor_S8StartsAndStopsProxyOnConfigChange(t *testing.T) {
	cfgStore := newFakeConfigStore()

	var mu sync.Mutex
	proxies := make(map[config.LinkID]*fakeProxy)
	factory := func(id config.LinkID, cfg config.LinkConfig, symlinkPath string) (Proxy, error) {
		p := newFakeProxy()
		mu.Lock()
		proxies[id] = p
		mu.Unlock()
		return p, nil
	}

	d := New(cfgStore, nil, "S", factory)
	go d.Run()
	defer d.Stop()

	cfgStore.setPort("link-1", "/dev/ttyS1")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := proxies["link-1"]
		return ok
	})

	cfgStore.deletePort("link-1")

	waitUntil(t, func() bool {
		mu.Lock()
		p := proxies["link-1"]
		mu.Unlock()
		return p != nil && p.isStopped()
	})
}

func TestSupervisor_EnumeratesExistingPortsOnStartup(t *testing.T) {
	cfgStore := newFakeConfigStore()
	cfgStore.fields["CONSOLE_PORT|link-9"] = map[string]string{
		fieldRemoteDeviceName: "/dev/ttyS9",
		fieldBaudRate:         "115200",
	}

	var mu sync.Mutex
	started := make(map[config.LinkID]config.LinkConfig)
	factory := func(id config.LinkID, cfg config.LinkConfig, symlinkPath string) (Proxy, error) {
		mu.Lock()
		started[id] = cfg
		mu.Unlock()
		return newFakeProxy(), nil
	}

	d := New(cfgStore, nil, "S", factory)
	go d.Run()
	defer d.Stop()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := started["link-9"]
		return ok
	})

	mu.Lock()
	cfg := started["link-9"]
	mu.Unlock()
	assert.Equal(t, "/dev/ttyS9", cfg.RemoteDeviceName)
	assert.Equal(t, 115200, cfg.BaudRate)
}

func TestSupervisor_StopStopsAllRunningProxies(t *testing.T) {
	cfgStore := newFakeConfigStore()

	var mu sync.Mutex
	proxies := make(map[config.LinkID]*fakeProxy)
	factory := func(id config.LinkID, cfg config.LinkConfig, symlinkPath string) (Proxy, error) {
		p := newFakeProxy()
		mu.Lock()
		proxies[id] = p
		mu.Unlock()
		return p, nil
	}

	d := New(cfgStore, nil, "S", factory)
	go d.Run()

	cfgStore.setPort("link-1", "/dev/ttyS1")
	cfgStore.setPort("link-2", "/dev/ttyS2")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(proxies) == 2
	})

	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	for id, p := range proxies {
		assert.True(t, p.isStopped(), "proxy %s should be stopped", id)
	}
}

func TestIsEnabled_ReadsConsoleSwitch(t *testing.T) {
	cfgStore := newFakeConfigStore()
	cfgStore.fields["CONSOLE_SWITCH|console_mgmt"] = map[string]string{"enabled": "yes"}

	enabled, err := IsEnabled(cfgStore)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestIsEnabled_DefaultsFalseWhenAbsent(t *testing.T) {
	cfgStore := newFakeConfigStore()

	enabled, err := IsEnabled(cfgStore)
	require.NoError(t, err)
	assert.False(t, enabled)
}
