// Package watcher drives adapter reload and changelog recording in
// response to filesystem changes to the device inventory file and the
// boot-config directory.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/linuxmuster-net/dc-authority/internal/changelog"
	"github.com/linuxmuster-net/dc-authority/internal/clock"
	"github.com/linuxmuster-net/dc-authority/internal/devices"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/metrics"
	"github.com/linuxmuster-net/dc-authority/internal/startconf"
)

const (
	maxReloadAttempts = 3
	reloadBackoff     = 200 * time.Millisecond
)

// Options configures a Watcher.
type Options struct {
	DevicesPath string
	BootConfDir string
	Debounce    time.Duration // floor 100ms, default 500ms
	Cooldown    time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	} else if o.Debounce < 100*time.Millisecond {
		o.Debounce = 100 * time.Millisecond
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Second
	}
	return o
}

// Watcher reacts to filesystem events on the device inventory file and the
// boot-config directory, reloading the corresponding adapter and
// recording changelog entries on success.
type Watcher struct {
	opts Options

	devices   *devices.Adapter
	startconf *startconf.Adapter
	log       *changelog.Changelog
	logger    *logging.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	pending   map[string]struct{}
}

// New creates a Watcher wired to the given adapters and changelog.
func New(opts Options, dev *devices.Adapter, sc *startconf.Adapter, log *changelog.Changelog, logger *logging.Logger) *Watcher {
	return &Watcher{
		opts:      opts.withDefaults(),
		devices:   dev,
		startconf: sc,
		log:       log,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
		pending:   make(map[string]struct{}),
	}
}

// Run watches the parent directory of the devices path and the boot-config
// directory until ctx is cancelled. It never returns a non-nil error for
// recoverable conditions; fatal watcher-setup errors are returned.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	devicesDir := filepath.Dir(w.opts.DevicesPath)
	if err := fw.Add(devicesDir); err != nil {
		return err
	}
	if w.opts.BootConfDir != devicesDir {
		if err := fw.Add(w.opts.BootConfDir); err != nil {
			return err
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(w.opts.Debounce)
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Remove == fsnotify.Remove {
				// Deletions are handled by the next successful load
				// observing missing entries, not acted on directly.
				continue
			}
			w.markPending(ev.Name)
			resetTimer()

		case <-timerC:
			timerC = nil
			w.flush(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warn("watcher error", "err", err)
			}
		}
	}
}

func (w *Watcher) markPending(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[name] = struct{}{}
}

func (w *Watcher) takePending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.pending = make(map[string]struct{})
	return out
}

func (w *Watcher) flush(ctx context.Context) {
	for _, path := range w.takePending() {
		w.handlePath(ctx, path)
	}
}

func (w *Watcher) handlePath(ctx context.Context, path string) {
	kind, id := w.classify(path)
	if kind == kindNone {
		return
	}

	if w.inCooldown(path) {
		return
	}

	ok, duration := w.reloadWithRetry(kind, id)
	metrics.Get().RecordReload(string(kind), ok, duration.Seconds())

	if !ok {
		w.armCooldown(path)
		if w.logger != nil {
			w.logger.Warn("reload failed after retries, keeping previous cache", "path", path, "kind", kind)
		}
		return
	}

	w.recordChangelog(ctx, kind, id)
}

type pathKind string

const (
	kindNone     pathKind = ""
	kindDevices  pathKind = "devices"
	kindBootConf pathKind = "startconf"
)

func (w *Watcher) classify(path string) (pathKind, string) {
	base := filepath.Base(path)
	devicesBase := filepath.Base(w.opts.DevicesPath)
	if base == devicesBase && filepath.Dir(path) == filepath.Dir(w.opts.DevicesPath) {
		return kindDevices, ""
	}
	if filepath.Dir(path) == w.opts.BootConfDir && strings.HasPrefix(base, "start.conf.") {
		id := strings.TrimPrefix(base, "start.conf.")
		return kindBootConf, id
	}
	return kindNone, ""
}

func (w *Watcher) inCooldown(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.cooldowns[path]
	if !ok {
		return false
	}
	if clock.Now().Before(until) {
		return true
	}
	delete(w.cooldowns, path)
	return false
}

func (w *Watcher) armCooldown(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cooldowns[path] = clock.Now().Add(w.opts.Cooldown)
}

func (w *Watcher) reloadWithRetry(kind pathKind, id string) (ok bool, duration time.Duration) {
	start := clock.Now()
	for attempt := 0; attempt < maxReloadAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(reloadBackoff)
		}
		if w.reloadOnce(kind, id) {
			return true, clock.Now().Sub(start)
		}
	}
	return false, clock.Now().Sub(start)
}

func (w *Watcher) reloadOnce(kind pathKind, id string) bool {
	switch kind {
	case kindDevices:
		return w.devices.Load()
	case kindBootConf:
		return w.startconf.LoadSingle(id)
	}
	return false
}

func (w *Watcher) recordChangelog(ctx context.Context, kind pathKind, id string) {
	if w.log == nil {
		return
	}
	var err error
	switch kind {
	case kindDevices:
		_, err = w.log.RecordChange(changelog.EntityHost, "all", changelog.ActionUpsert)
		if err == nil {
			_, err = w.log.RecordChange(changelog.EntityDHCP, "all", changelog.ActionUpsert)
		}
	case kindBootConf:
		_, err = w.log.RecordChange(changelog.EntityStartConf, id, changelog.ActionUpsert)
		if err == nil {
			_, err = w.log.RecordChange(changelog.EntityConfig, id, changelog.ActionUpsert)
		}
	}
	if err != nil && w.logger != nil {
		w.logger.Warn("failed to record change", "kind", kind, "id", id, "err", err)
	}
}
