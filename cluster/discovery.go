package cluster

import (
	"context"
	"net/http"
	"net/url"

	"github.com/quty-io/quty-server/pkg/logutil"
	"github.com/quty-io/quty-server/pkg/netutil"
)

// discover runs one discovery pass: union the three sources, dedupe by
// address key, dial everything new. Failures are logged, never raised.
func (c *Cluster) discover(ctx context.Context) {
	for _, addr := range c.collectAddresses(ctx) {
		go func(a Address) {
			if err := c.AddNode(ctx, a.Key()); err != nil {
				logutil.Trace(c.logger, "discovery dial failed", "addr", a.Key(), "error", err)
			}
		}(addr)
	}
}

// collectAddresses unions the service, static and fetch sources.
func (c *Cluster) collectAddresses(ctx context.Context) []Address {
	seen := make(map[string]struct{})
	var out []Address

	add := func(raw any) {
		addr, err := ParseAddress(raw, c.cfg.Port)
		if err != nil {
			c.logger.Warn("skipping bad discovery address", "addr", raw, "error", err)
			return
		}
		if _, dup := seen[addr.Key()]; dup {
			return
		}
		seen[addr.Key()] = struct{}{}
		out = append(out, addr)
	}

	if service := c.cfg.Discovery.Service; service != "" {
		ips, err := netutil.ResolveIPv4(ctx, service)
		if err != nil {
			c.logger.Warn("discovery service resolution failed", "service", service, "error", err)
		} else {
			for _, ip := range ips {
				add(map[string]any{"ip": ip, "port": c.cfg.Port})
			}
		}
	}

	for _, node := range c.cfg.Discovery.Nodes {
		add(node)
	}

	if fetch := c.cfg.Discovery.Fetch; fetch != "" {
		var listed []any
		err := netutil.FetchJSON(ctx, http.MethodGet, fetch,
			url.Values{"id": []string{c.id}}, nil, &listed)
		if err != nil {
			c.logger.Warn("discovery fetch failed", "url", fetch, "error", err)
		} else {
			for _, el := range listed {
				add(el)
			}
		}
	}

	return out
}

// startDiscoveryTicker arms the periodic pass. First armed when the
// node turns ready; idempotent.
func (c *Cluster) startDiscoveryTicker() {
	if !c.cfg.HasDiscovery() {
		return
	}

	c.mu.Lock()
	if c.stopped || c.tickerStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.tickerStop = stop
	c.mu.Unlock()

	c.tickerWG.Add(1)
	go func() {
		defer c.tickerWG.Done()
		ticker := c.clk.Ticker(c.cfg.DiscoveryInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.discover(context.Background())
			}
		}
	}()
}
