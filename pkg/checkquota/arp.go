package checkquota

import (
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/checkquota/pkg/directory"
)

// resolution is the outcome of a MAC lookup for one redirect.
type resolution struct {
	key      string
	imsi     string
	fakeIP   netip.Addr
	mac      net.HardwareAddr
	attempts int
}

// startMACResolution looks up the device MAC of a redirected subscriber in
// the background, unless a lookup for it is already running. The goroutine
// only sees the values it was started with; the result loop checks they are
// still current.
func (c *Controller) startMACResolution(key string, state *subscriberState) {
	if state.resolving {
		c.logger.Debug("MAC resolution already running", zap.String("imsi", state.imsi))
		return
	}
	state.resolving = true

	imsi, fakeIP := state.imsi, state.fakeIP
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.resolveMAC(key, imsi, fakeIP)
	}()
}

func (c *Controller) resolveMAC(key, imsi string, fakeIP netip.Addr) {
	for attempt := 1; attempt <= c.config.MACRetries; attempt++ {
		value, err := c.directory.Lookup(c.ctx, imsi, directory.FieldMACAddr)
		if err == nil {
			mac, perr := net.ParseMAC(value)
			if perr == nil {
				c.deliver(resolution{key: key, imsi: imsi, fakeIP: fakeIP, mac: mac, attempts: attempt})
				return
			}
			err = perr
		}

		c.logger.Debug("MAC not found for subscriber, retrying",
			zap.String("imsi", imsi),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == c.config.MACRetries {
			break
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.MACRetryInterval):
		}
	}

	c.logger.Error("MAC for subscriber not found, giving up",
		zap.String("imsi", imsi),
		zap.String("fake_ip", fakeIP.String()),
		zap.Int("retries", c.config.MACRetries),
	)
	c.finishResolution(key, fakeIP)
	c.recordResolution("exhausted", c.config.MACRetries)
}

// finishResolution clears the in-flight mark of the redirect a lookup was
// started for.
func (c *Controller) finishResolution(key string, fakeIP netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.subscribers[key]; ok && state.fakeIP == fakeIP {
		state.resolving = false
	}
}

func (c *Controller) deliver(res resolution) {
	select {
	case c.results <- res:
	case <-c.ctx.Done():
	}
}

func (c *Controller) recordResolution(outcome string, attempts int) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()

	m.RecordMACResolution(outcome)
	m.ObserveMACResolutionAttempts(attempts)
}

func (c *Controller) resultLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case res := <-c.results:
			c.handleResolution(res)
		}
	}
}

// handleResolution binds the resolved MAC if the redirect it was started
// for is still the current one.
func (c *Controller) handleResolution(res resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.ObserveMACResolutionAttempts(res.attempts)

	state, ok := c.subscribers[res.key]
	if !ok || state.fakeIP != res.fakeIP {
		c.logger.Debug("Dropping stale MAC resolution",
			zap.String("imsi", res.imsi),
			zap.String("fake_ip", res.fakeIP.String()),
		)
		c.metrics.RecordMACResolution("stale")
		return
	}

	state.resolving = false
	state.resolvedMAC = res.mac
	c.logger.Info("Received MAC for subscriber",
		zap.String("imsi", res.imsi),
		zap.String("mac", res.mac.String()),
		zap.String("fake_ip", res.fakeIP.String()),
	)

	c.bindLocked(state, "resolved")
}

// refreshARPLocked restores the ARP binding of a subscriber carried over
// from before a setup, resolving its MAC again if it never was.
func (c *Controller) refreshARPLocked(key string, state *subscriberState) {
	if state.resolvedMAC == nil {
		c.startMACResolution(key, state)
		return
	}
	c.bindLocked(state, "rebound")
}

func (c *Controller) bindLocked(state *subscriberState, outcome string) {
	if c.dp == nil {
		c.logger.Debug("No switch connected, deferring ARP binding", zap.String("imsi", state.imsi))
		c.metrics.RecordMACResolution("no_switch")
		return
	}
	if c.arp == nil {
		c.logger.Warn("ARP responder not registered, skipping ARP binding", zap.String("imsi", state.imsi))
		c.metrics.RecordMACResolution("no_responder")
		return
	}

	if err := c.arp.BindVirtualAddress(c.dp, state.fakeIP, state.resolvedMAC); err != nil {
		c.logger.Error("Failed to bind virtual address",
			zap.String("imsi", state.imsi),
			zap.String("fake_ip", state.fakeIP.String()),
			zap.Error(err),
		)
		c.metrics.RecordMACResolution("bind_failed")
		return
	}
	c.metrics.RecordMACResolution(outcome)
}
