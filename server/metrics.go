package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// RunMetrics logs registry stats every interval until ctx is canceled,
// staying quiet when idle: nothing is logged for ticks where no client is
// connected and no datagram has ever been relayed.
func RunMetrics(ctx context.Context, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams, bytes, users := reg.Stats()
			rate := uint64(float64(bytes-prevBytes) / interval.Seconds())
			prevBytes = bytes
			if users > 0 || datagrams > 0 {
				log.Printf("[metrics] users=%d datagrams=%d relayed=%s (%s/s)",
					users, datagrams, humanize.Bytes(bytes), humanize.Bytes(rate))
			}
		}
	}
}
