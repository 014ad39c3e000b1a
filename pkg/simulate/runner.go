package simulate

import (
	"context"
	"time"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Handler receives each generated event. Returning an error stops the run.
type Handler func(ctx context.Context, e traffic.Event, kind Kind) error

// Run emits events from g every interval until count events were emitted
// (count <= 0 means forever), ctx is done or h fails. It returns the number
// of events handed to h.
func Run(ctx context.Context, g *Generator, interval time.Duration, count int, h Handler) (int, error) {
	emitted := 0
	emit := func() error {
		e, kind := g.Next()
		emitted++
		return h(ctx, e, kind)
	}

	if interval <= 0 {
		for count <= 0 || emitted < count {
			if err := ctx.Err(); err != nil {
				return emitted, err
			}
			if err := emit(); err != nil {
				return emitted, err
			}
		}
		return emitted, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for count <= 0 || emitted < count {
		if err := emit(); err != nil {
			return emitted, err
		}
		if count > 0 && emitted >= count {
			break
		}
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case <-ticker.C:
		}
	}
	return emitted, nil
}
