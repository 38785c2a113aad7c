// Package checkquota redirects subscribers' connections to the quota-check
// address onto a local backend that tells them whether they have quota left.
package checkquota

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/checkquota/pkg/fakeip"
	"github.com/codelaboratoryltd/checkquota/pkg/flows"
	"github.com/codelaboratoryltd/checkquota/pkg/metrics"
	"github.com/codelaboratoryltd/checkquota/pkg/tables"
)

const resultsBuffer = 64

// subscriberState is the redirect of one subscriber.
type subscriberState struct {
	// imsi is the identity as first received; it is used for directory
	// lookups. The state itself is keyed by the canonical digits.
	imsi        string
	encoded     uint64
	fakeIP      netip.Addr
	deviceMAC   string
	hasQuota    bool
	installed   bool
	resolvedMAC net.HardwareAddr

	// resolving is set while a MAC lookup runs for this redirect.
	resolving bool
}

// Controller owns the check_quota table and its scratch table. All public
// methods are serialized; MAC resolutions run in their own goroutines and
// report back through a channel.
type Controller struct {
	config    Config
	rules     ruleSet
	pool      *fakeip.Pool
	sw        flows.Switch
	directory Directory
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu          sync.Mutex
	dp          *flows.Datapath
	arp         ARPResponder
	subscribers map[string]*subscriberState

	results chan resolution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller. The bridge MAC address is read from
// the bridge interface unless the configuration carries one.
func NewController(config Config, alloc TableAllocator, sw flows.Switch, directory Directory, logger *zap.Logger) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.resolveBridgeMAC(); err != nil {
		return nil, err
	}

	table, err := alloc.TableNum(tables.AppCheckQuota)
	if err != nil {
		return nil, fmt.Errorf("check_quota table: %w", err)
	}
	next, err := alloc.NextTableNum(tables.AppCheckQuota)
	if err != nil {
		return nil, fmt.Errorf("next table: %w", err)
	}
	egress, err := alloc.TableNum(tables.AppEgress)
	if err != nil {
		return nil, fmt.Errorf("egress table: %w", err)
	}
	scratch, err := alloc.AllocateScratchTables(tables.AppCheckQuota, 1)
	if err != nil {
		return nil, fmt.Errorf("scratch table: %w", err)
	}

	pool, err := fakeip.New(config.FakeIPNetwork, config.BridgeIP, config.QuotaCheckIP)
	if err != nil {
		return nil, fmt.Errorf("fake IP pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		config: config,
		rules: ruleSet{
			table:        table,
			nextTable:    next,
			egressTable:  egress,
			scratchTable: scratch[0],
			bridgeIP:     config.BridgeIP,
			bridgeMAC:    config.BridgeMAC,
			quotaCheckIP: config.QuotaCheckIP,
			hasQuotaPort: config.HasQuotaPort,
			noQuotaPort:  config.NoQuotaPort,
		},
		pool:        pool,
		sw:          sw,
		directory:   directory,
		logger:      logger,
		subscribers: make(map[string]*subscriberState),
		results:     make(chan resolution, resultsBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetMetrics sets the metrics the controller records to.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Start launches the MAC resolution result loop.
func (c *Controller) Start() error {
	c.logger.Info("Starting check quota controller",
		zap.String("quota_check_ip", c.config.QuotaCheckIP.String()),
		zap.String("bridge_ip", c.config.BridgeIP.String()),
		zap.String("bridge_mac", c.config.BridgeMAC.String()),
		zap.String("fake_ip_network", c.pool.Prefix().String()),
		zap.Uint8("table", uint8(c.rules.table)),
		zap.Uint8("scratch_table", uint8(c.rules.scratchTable)),
	)

	c.wg.Add(1)
	go c.resultLoop()

	return nil
}

// Stop stops the result loop and waits for pending MAC resolutions.
func (c *Controller) Stop() error {
	c.logger.Info("Stopping check quota controller")
	c.cancel()
	c.wg.Wait()
	return nil
}

// RegisterARPResponder sets the ARP responder. Only the first registration
// counts.
func (c *Controller) RegisterARPResponder(r ARPResponder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.arp != nil {
		c.logger.Warn("ARP responder already registered, ignoring")
		return
	}
	c.arp = r
}

// ApplyQuotaUpdates applies updates in order. A failing update is logged
// and does not stop the batch.
func (c *Controller) ApplyQuotaUpdates(updates []QuotaUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range updates {
		c.applyLocked(u)
	}
	c.updateGaugesLocked()
}

// Setup clears both tables and rebuilds them from a snapshot of quota
// updates, keeping the virtual address of subscribers already known.
func (c *Controller) Setup(ctx context.Context, req SetupRequest) SetupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dp == nil {
		c.logger.Warn("Setup requested with no switch connected")
		c.metrics.RecordSetup(SetupFailure.String())
		return SetupFailure
	}

	c.logger.Info("Setting up check quota flows",
		zap.Int("quota_updates", len(req.QuotaUpdates)),
		zap.Int("activate_requests", len(req.Requests)),
		zap.Int("startup_flows", len(req.StartupFlows)),
		zap.Bool("clean_restart", c.config.CleanRestart),
	)

	c.deleteAllLocked()

	inSnapshot := make(map[string]bool, len(req.QuotaUpdates))
	for _, u := range req.QuotaUpdates {
		if key, _, err := canonicalIMSI(u.IMSI); err == nil {
			inSnapshot[key] = true
		}
	}

	retained := make(map[string]bool, len(c.subscribers))
	for key, state := range c.subscribers {
		state.installed = false
		if c.config.CleanRestart && !inSnapshot[key] {
			delete(c.subscribers, key)
			c.logger.Info("Dropped subscriber missing from setup snapshot",
				zap.String("imsi", state.imsi),
				zap.String("fake_ip", state.fakeIP.String()),
			)
			continue
		}
		retained[key] = true
	}

	for _, u := range req.QuotaUpdates {
		c.applyLocked(u)
	}

	for _, key := range c.sortedKeysLocked() {
		state := c.subscribers[key]
		if !state.installed {
			c.installLocked(state)
		}
		if retained[key] {
			c.refreshARPLocked(key, state)
		}
	}

	c.installDefaultsLocked()
	c.updateGaugesLocked()

	c.metrics.RecordSetup(SetupSuccess.String())
	return SetupSuccess
}

// SwitchConnected records a new switch session, clears both tables and
// installs the pass-through rules.
func (c *Controller) SwitchConnected(dp *flows.Datapath) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dp == nil {
		return
	}
	if c.dp != nil && c.dp.ID != dp.ID {
		c.logger.Info("Replacing switch session",
			zap.String("old_datapath", c.dp.ID),
			zap.String("datapath", dp.ID),
		)
	}

	c.dp = dp
	c.deleteAllLocked()
	c.installDefaultsLocked()
	for _, state := range c.subscribers {
		state.installed = false
	}

	c.metrics.SetSwitchConnected(true)
	c.logger.Info("Switch connected",
		zap.String("datapath", dp.ID),
		zap.String("bridge", dp.Bridge),
	)
}

// SwitchDisconnected clears both tables and drops the session. Subscriber
// state is kept for the next setup.
func (c *Controller) SwitchDisconnected(dp *flows.Datapath) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dp == nil || c.dp == nil || c.dp.ID != dp.ID {
		c.logger.Warn("Disconnect for unknown switch session, ignoring")
		return
	}

	c.deleteAllLocked()
	c.dp = nil
	for _, state := range c.subscribers {
		state.installed = false
	}

	c.metrics.SetSwitchConnected(false)
	c.logger.Info("Switch disconnected", zap.String("datapath", dp.ID))
}

// Connected reports whether a switch session is live.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dp != nil
}

// Subscribers returns the redirected subscribers ordered by IMSI.
func (c *Controller) Subscribers() []Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.sortedKeysLocked()
	out := make([]Subscriber, 0, len(keys))
	for _, key := range keys {
		state := c.subscribers[key]
		sub := Subscriber{
			IMSI:      state.imsi,
			FakeIP:    state.fakeIP,
			DeviceMAC: state.deviceMAC,
			HasQuota:  state.hasQuota,
			Installed: state.installed,
		}
		if state.resolvedMAC != nil {
			sub.ResolvedMAC = state.resolvedMAC.String()
		}
		out = append(out, sub)
	}
	return out
}

func (c *Controller) applyLocked(u QuotaUpdate) {
	switch u.Type {
	case UpdateValidQuota:
		c.redirectLocked(u, true)
	case UpdateNoQuota:
		c.redirectLocked(u, false)
	case UpdateTerminate:
		c.terminateLocked(u)
	default:
		c.logger.Debug("Ignoring unknown quota update type",
			zap.String("imsi", u.IMSI),
			zap.Int("type", int(u.Type)),
		)
		c.metrics.RecordQuotaUpdate(u.Type.String(), "ignored")
	}
}

func (c *Controller) redirectLocked(u QuotaUpdate, hasQuota bool) {
	key, encoded, err := canonicalIMSI(u.IMSI)
	if err != nil {
		c.logger.Warn("Skipping quota update", zap.String("imsi", u.IMSI), zap.Error(err))
		c.metrics.RecordQuotaUpdate(u.Type.String(), "skipped")
		return
	}

	state, exists := c.subscribers[key]
	if !exists {
		ip, err := c.pool.Next()
		if err != nil {
			c.logger.Error("Failed to allocate fake IP", zap.String("imsi", u.IMSI), zap.Error(err))
			c.metrics.RecordQuotaUpdate(u.Type.String(), "failed")
			return
		}
		c.metrics.RecordFakeIPAllocation(c.pool.Size(), c.pool.Wraps())

		state = &subscriberState{
			imsi:    u.IMSI,
			encoded: encoded,
			fakeIP:  ip,
		}
		c.subscribers[key] = state
	}

	state.hasQuota = hasQuota
	if u.MAC != "" {
		state.deviceMAC = u.MAC
	}
	c.installLocked(state)

	c.logger.Info("Redirecting subscriber to quota check",
		zap.String("imsi", state.imsi),
		zap.String("fake_ip", state.fakeIP.String()),
		zap.Bool("has_quota", hasQuota),
		zap.Uint16("port", c.rules.backendPort(hasQuota)),
		zap.Bool("installed", state.installed),
	)
	c.metrics.RecordQuotaUpdate(u.Type.String(), "applied")

	if !exists {
		c.startMACResolution(key, state)
	}
}

func (c *Controller) terminateLocked(u QuotaUpdate) {
	key, _, err := canonicalIMSI(u.IMSI)
	if err != nil {
		c.logger.Warn("Skipping quota update", zap.String("imsi", u.IMSI), zap.Error(err))
		c.metrics.RecordQuotaUpdate(u.Type.String(), "skipped")
		return
	}

	state, ok := c.subscribers[key]
	if !ok {
		c.logger.Debug("Terminate for subscriber without redirect", zap.String("imsi", u.IMSI))
		c.metrics.RecordQuotaUpdate(u.Type.String(), "ignored")
		return
	}
	delete(c.subscribers, key)

	if c.dp != nil {
		c.removeRulesLocked(state)
	}

	c.logger.Info("Removed quota check redirect",
		zap.String("imsi", state.imsi),
		zap.String("fake_ip", state.fakeIP.String()),
	)
	c.metrics.RecordQuotaUpdate(u.Type.String(), "applied")
}

// installLocked installs the rules of state. Nothing is installed while
// no switch is connected.
func (c *Controller) installLocked(state *subscriberState) {
	state.installed = false
	if c.dp == nil {
		return
	}

	for _, rule := range c.rules.subscriberRules(state.encoded, state.fakeIP, state.hasQuota) {
		err := c.sw.Install(c.dp, rule)
		c.metrics.RecordRuleOperation("install", err)
		if err != nil {
			c.logger.Error("Failed to install flow",
				zap.String("imsi", state.imsi),
				zap.String("flow", rule.String()),
				zap.Error(err),
			)
			c.removeRulesLocked(state)
			return
		}
	}
	state.installed = true
}

// removeRulesLocked deletes every rule of state so the forward rule is
// never left without its inbound rule.
func (c *Controller) removeRulesLocked(state *subscriberState) {
	for _, del := range c.rules.subscriberDeletions(state.encoded) {
		err := c.sw.Delete(c.dp, del)
		c.metrics.RecordRuleOperation("delete", err)
		if err != nil {
			c.logger.Error("Failed to delete flow",
				zap.String("imsi", state.imsi),
				zap.String("flow", del.String()),
				zap.Error(err),
			)
		}
	}
}

func (c *Controller) installDefaultsLocked() {
	for _, rule := range c.rules.defaultRules() {
		err := c.sw.Install(c.dp, rule)
		c.metrics.RecordRuleOperation("install", err)
		if err != nil {
			c.logger.Error("Failed to install default flow", zap.String("flow", rule.String()), zap.Error(err))
		}
	}
}

func (c *Controller) deleteAllLocked() {
	for _, table := range c.rules.tables() {
		err := c.sw.DeleteAll(c.dp, table)
		c.metrics.RecordRuleOperation("delete_all", err)
		if err != nil {
			c.logger.Error("Failed to clear table", zap.Uint8("table", uint8(table)), zap.Error(err))
		}
	}
}

func (c *Controller) sortedKeysLocked() []string {
	keys := make([]string, 0, len(c.subscribers))
	for key := range c.subscribers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Controller) updateGaugesLocked() {
	var hasQuota, noQuota int
	for _, state := range c.subscribers {
		if state.hasQuota {
			hasQuota++
		} else {
			noQuota++
		}
	}
	c.metrics.SetSubscribers(hasQuota, noQuota)
}

// canonicalIMSI returns the digits of imsi and its metadata encoding.
func canonicalIMSI(imsi string) (string, uint64, error) {
	encoded, err := flows.EncodeIMSI(imsi)
	if err != nil {
		return "", 0, err
	}
	return flows.DecodeIMSI(encoded), encoded, nil
}
