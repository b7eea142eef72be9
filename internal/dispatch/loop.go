package dispatch

import (
	"context"

	"github.com/mjtrangoni/wprocd/internal/resulthandler"
)

// Loop is the dispatcher loop goroutine: the single consumer of every
// broker event, and therefore the only goroutine that ever touches pool,
// job-table, or decoder state. Callers run it with `go s.Loop(ctx, rh)`
// and stop it by cancelling ctx.
func (s *Subsystem) Loop(ctx context.Context, rh *resulthandler.Handler) {
	events := s.Broker.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-s.submissions:
			sub.reply <- s.doSubmit(sub.job)
		case ev, ok := <-events:
			if !ok {
				return
			}
			wp, found := s.ByID(ev.ConnID)
			if !found {
				continue
			}
			switch {
			case ev.Err != nil:
				rh.HandleReadErr(wp, ev.Err)
			case ev.EOF:
				rh.HandleEOF(wp)
			default:
				rh.Feed(wp, ev.Data)
			}
		}
	}
}
