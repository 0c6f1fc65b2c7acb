package gateway

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/gasflow/pkg/protocol"
)

// watch polls the workspace for changes and broadcasts updates. An
// fsnotify watcher on the state directory wakes the loop early so
// dashboards feel live; the ticker is the fallback when the platform
// drops events.
func (s *Server) watch(ctx context.Context) {
	interval := time.Duration(s.cfg.Timing.WatchIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := s.watchStateTree(watcher); err != nil {
			s.logger.Debug("fsnotify setup incomplete", "error", err)
		}
		fsEvents = make(chan fsnotify.Event, 16)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					// New directories (fresh generations) need watching too.
					if ev.Op.Has(fsnotify.Create) {
						if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
							watcher.Add(ev.Name)
						}
					}
					select {
					case fsEvents <- ev:
					default:
					}
				case <-watcher.Errors:
				}
			}
		}()
	}

	// Debounce: after an fsnotify wakeup, wait a beat for the write to
	// settle before snapshotting.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fsEvents:
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			s.pollOnce()
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Server) watchStateTree(watcher *fsnotify.Watcher) error {
	dir := s.cfg.StateDir()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	// Watch existing agent generation directories; new ones are added
	// from Create events as they appear.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			watcher.Add(dir + "/" + e.Name())
		}
	}
	return nil
}

// pollOnce snapshots and broadcasts if anything changed, respecting
// the broadcast rate limit.
func (s *Server) pollOnce() {
	if s.ClientCount() == 0 {
		return
	}
	if !s.gatherer.Changed() {
		return
	}
	if !s.limiter.Allow() {
		return
	}

	snap, err := s.gatherer.FullStatus(time.Now())
	if err != nil {
		return
	}
	s.Broadcast(protocol.NewEnvelope(protocol.TypeStatusUpdate, snap))

	for _, ev := range s.gatherer.DrainNewEvents() {
		s.Broadcast(protocol.NewEnvelope(protocol.TypeLiveEvent, ev))
		s.metrics.eventsTotal.Inc()
	}
}
