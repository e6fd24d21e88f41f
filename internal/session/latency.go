package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/frontdesk/pkg/transport"
)

// DefaultLatencyInterval is the round-trip sampling period.
const DefaultLatencyInterval = 2 * time.Second

// sampler measures the transport round trip on a fixed interval.
type sampler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startSampler pings p every interval and passes successful measurements to
// record. Each ping is bounded by the interval.
func startSampler(p transport.Pinger, interval time.Duration, record func(time.Duration), log *slog.Logger) *sampler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sampler{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pctx, pcancel := context.WithTimeout(ctx, interval)
			rtt, err := p.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Debug("latency sample failed", "err", err)
				}
				continue
			}
			record(rtt)
		}
	}()
	return s
}

// Stop cancels sampling and waits for the goroutine to exit.
func (s *sampler) Stop() error {
	s.cancel()
	<-s.done
	return nil
}
