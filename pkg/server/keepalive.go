package server

import (
	"log/slog"
	"time"

	"github.com/sonarvoip/sonar/pkg/wire"
)

// keepaliveLoop probes a registered connection at the configured interval.
// A probe must be answered with Reply{OK} before the next tick; after
// KeepaliveMisses consecutive misses the connection is closed, which runs
// the usual disconnect reconciliation. Only keepalive replies count as
// liveness; other traffic does not reset the timer.
func (c *conn) keepaliveLoop() {
	interval := c.srv.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	maxMisses := c.srv.cfg.KeepaliveMisses
	if maxMisses <= 0 {
		maxMisses = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	misses := 0

	for {
		select {
		case <-c.closed:
			return
		case <-c.srv.ctx.Done():
			return
		case <-ticker.C:
		}

		id := c.nextID.Add(1)
		ch := c.trackReply(id)
		if err := c.send(&wire.Message{ID: id, Name: wire.MsgKeepalive}); err != nil {
			c.untrackReply(id)
			c.close("keepalive write failed")
			return
		}

		select {
		case <-ch:
			misses = 0
		case <-time.After(interval):
			c.untrackReply(id)
			misses++
			slog.Debug("keepalive miss", "conn", c.id, "misses", misses)
			if misses >= maxMisses {
				c.srv.metrics.KeepaliveTimeouts.Add(1)
				slog.Info("keepalive timeout", "conn", c.id, "role", c.role.String())
				c.close("keepalive timeout")
				return
			}
		case <-c.closed:
			return
		}
	}
}
