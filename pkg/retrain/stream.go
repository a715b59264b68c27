package retrain

import "context"

// Stream exposes a watch as a channel of snapshots. C receives every
// non-terminal update and then the terminal snapshot, and is closed when the
// watch ends for any reason. Snapshots are produced only as fast as C is
// drained.
type Stream struct {
	C     <-chan Snapshot
	watch *Watch
}

// Stream starts a watch like Watch but delivers through a channel.
func (p *Poller) Stream(ctx context.Context, jobID string) (*Stream, error) {
	ch := make(chan Snapshot)
	w, err := p.start(ctx, jobID, func(w *Watch) Handlers {
		send := func(s Snapshot) {
			select {
			case ch <- s:
			case <-w.stopping:
			case <-w.parent.Done():
			}
		}
		return Handlers{OnUpdate: send, OnTerminal: send}
	}, func() { close(ch) })
	if err != nil {
		return nil, err
	}
	return &Stream{C: ch, watch: w}, nil
}

func (s *Stream) Watch() *Watch {
	return s.watch
}

// Close stops the underlying watch. C is closed shortly after.
func (s *Stream) Close() {
	s.watch.Stop()
}
