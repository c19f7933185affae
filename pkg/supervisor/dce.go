// Package supervisor implements the DCE Supervisor of spec.md §4.5: reads
// console-port configuration, starts/stops one Link Proxy per configured
// port, and reconciles as configuration entries appear, change, and
// disappear.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/consolelink/linkmond/pkg/config"
	"github.com/consolelink/linkmond/pkg/liveness"
	"github.com/consolelink/linkmond/pkg/linkproxy"
	"github.com/consolelink/linkmond/pkg/store"
)

const (
	consolePortTable   = "CONSOLE_PORT"
	consoleSwitchTable = "CONSOLE_SWITCH"
	consoleMgmtKey     = "console_mgmt"

	fieldEnabled          = "enabled"
	fieldRemoteDeviceName = "remote_device"
	fieldBaudRate         = "baud_rate"
	fieldFlowControl      = "flow_control"
)

// pollInterval is the granularity at which the reconcile loop also checks
// for a pending Stop, per spec.md §4.5 ("polls at 1 s granularity so it
// can also service shutdown signals").
const pollInterval = 1 * time.Second

// ConfigStore is the subset of store.Client the supervisor needs to read
// and watch CONSOLE_PORT / CONSOLE_SWITCH. Declared as an interface so
// tests can substitute an in-memory fake with no Redis server.
type ConfigStore interface {
	Key(table, id string) string
	GetField(key, field string) (string, bool, error)
	HGetAll(key string) (map[string]string, error)
	Keys(pattern string) ([]string, error)
	SubscribeKeyspace(keyPattern string) (<-chan store.Change, func())
}

// Proxy is the minimal lifecycle a Link Proxy exposes to the supervisor.
type Proxy interface {
	Run()
	Stop()
}

// ProxyFactory constructs a Proxy for one link. Production code supplies
// one backed by linkproxy.New; tests supply a fake.
type ProxyFactory func(id config.LinkID, cfg config.LinkConfig, symlinkPath string) (Proxy, error)

// DCE is the supervisor itself.
type DCE struct {
	cfgStore     ConfigStore
	newProxy     ProxyFactory
	tracker      *liveness.Tracker
	symlinkPrefix string

	log *log.Logger

	mu      sync.Mutex
	running map[config.LinkID]Proxy
	configs map[config.LinkID]config.LinkConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLinkProxyFactory returns a ProxyFactory backed by real UART and PTY
// devices via linkproxy.New, registering every spawned link with tracker.
func NewLinkProxyFactory(tracker *liveness.Tracker) ProxyFactory {
	return func(id config.LinkID, cfg config.LinkConfig, symlinkPath string) (Proxy, error) {
		return linkproxy.New(id, cfg, symlinkPath, tracker)
	}
}

// New constructs a DCE supervisor. symlinkPrefix is the short string read
// from <platform>/udevprefix.conf (spec.md §4.5 step 2); proxies publish
// their PTY at /dev/V<prefix><LinkId>.
func New(cfgStore ConfigStore, tracker *liveness.Tracker, symlinkPrefix string, newProxy ProxyFactory) *DCE {
	return &DCE{
		cfgStore:      cfgStore,
		newProxy:      newProxy,
		tracker:       tracker,
		symlinkPrefix: symlinkPrefix,
		log:           log.WithPrefix("supervisor"),
		running:       make(map[config.LinkID]Proxy),
		configs:       make(map[config.LinkID]config.LinkConfig),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (d *DCE) symlinkPath(id config.LinkID) string {
	return fmt.Sprintf("/dev/V%s%s", d.symlinkPrefix, id)
}

// IsEnabled reads CONSOLE_SWITCH|console_mgmt.enabled.
func IsEnabled(cfgStore ConfigStore) (bool, error) {
	key := cfgStore.Key(consoleSwitchTable, consoleMgmtKey)
	val, ok, err := cfgStore.GetField(key, fieldEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return config.ParseEnabled(val), nil
}

// Run enumerates existing CONSOLE_PORT entries, spawns a proxy for each,
// subscribes to changes, and reconciles until Stop is called. It returns
// once fully shut down.
func (d *DCE) Run() {
	defer close(d.doneCh)

	changes, unsubscribe := d.cfgStore.SubscribeKeyspace(consolePortTable + "|*")
	defer unsubscribe()

	ids, err := d.cfgStore.Keys(consolePortTable + "|*")
	if err != nil {
		d.log.Error("failed to enumerate console ports", "err", err)
	}
	for _, key := range ids {
		id := stripTablePrefix(key, consolePortTable, d.cfgStore.Key(consolePortTable, ""))
		d.reconcile(config.LinkID(id))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.stopAll()
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			id := stripTablePrefix(ch.Key, consolePortTable, d.cfgStore.Key(consolePortTable, ""))
			d.reconcile(config.LinkID(id))
		case <-ticker.C:
			// Idle tick; its only job is keeping the select responsive to
			// stopCh within ~1 s when the change channel is quiet.
		}
	}
}

// stripTablePrefix turns "CONSOLE_PORT|link-7" into "link-7" given the
// configured separator (derived from a zero-id Key() call).
func stripTablePrefix(key, table, emptyIDKey string) string {
	prefix := emptyIDKey // e.g. "CONSOLE_PORT|"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// Stop requests the reconcile loop exit, stopping every running proxy
// first. It blocks until Run has returned.
func (d *DCE) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *DCE) stopAll() {
	d.mu.Lock()
	ids := make([]config.LinkID, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.stopProxy(id)
	}
}

// reconcile re-reads id's LinkConfig (if any) and starts, restarts, or
// stops its proxy to match, per spec.md §4.5 step 5.
func (d *DCE) reconcile(id config.LinkID) {
	key := d.cfgStore.Key(consolePortTable, string(id))
	fields, err := d.cfgStore.HGetAll(key)
	if err != nil {
		d.log.Error("failed to read console port config", "link", id, "err", err)
		return
	}

	if len(fields) == 0 {
		d.stopProxy(id)
		d.mu.Lock()
		delete(d.configs, id)
		d.mu.Unlock()
		return
	}

	cfg := config.LinkConfig{
		ID:               id,
		RemoteDeviceName: fields[fieldRemoteDeviceName],
		BaudRate:         config.DefaultBaudRate,
		FlowControl:      config.FlowControl(fields[fieldFlowControl]),
	}
	if baudStr, ok := fields[fieldBaudRate]; ok && baudStr != "" {
		fmt.Sscanf(baudStr, "%d", &cfg.BaudRate)
	}
	if cfg.RemoteDeviceName == "" {
		d.log.Warn("console port config missing remote_device, ignoring", "link", id)
		return
	}

	d.mu.Lock()
	prev, existed := d.configs[id]
	d.configs[id] = cfg
	d.mu.Unlock()

	if existed && prev == cfg {
		return // no change relevant to the proxy
	}
	if existed {
		d.stopProxy(id)
	}
	d.startProxy(id, cfg)
}

func (d *DCE) startProxy(id config.LinkID, cfg config.LinkConfig) {
	proxy, err := d.newProxy(id, cfg, d.symlinkPath(id))
	if err != nil {
		d.log.Error("failed to start link proxy", "link", id, "err", err)
		return
	}

	d.mu.Lock()
	d.running[id] = proxy
	d.mu.Unlock()

	go proxy.Run()
	d.log.Info("link proxy started", "link", id, "device", cfg.RemoteDeviceName, "baud", cfg.BaudRate)
}

func (d *DCE) stopProxy(id config.LinkID) {
	d.mu.Lock()
	proxy, ok := d.running[id]
	delete(d.running, id)
	d.mu.Unlock()

	if !ok {
		return
	}
	proxy.Stop()
	d.log.Info("link proxy stopped", "link", id)
}
