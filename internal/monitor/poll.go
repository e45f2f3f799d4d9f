package monitor

import (
	"context"
	"time"
)

// poll runs one monitoring session: a cycle immediately, then one per tick,
// strictly sequentially. Cancellation is checked at every cycle boundary and
// after each read, so a read that straddles Stop is thrown away.
func (e *Engine) poll(ctx context.Context, session uint64) {
	defer e.loops.Done()

	t := time.NewTicker(e.interval)
	defer t.Stop()

	for {
		e.cycle(ctx, session)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (e *Engine) cycle(ctx context.Context, session uint64) {
	if ctx.Err() != nil {
		return
	}
	tk := e.ticketFor(session)
	snap := e.reader.ReadSnapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	e.observe(tk, snap)
}
