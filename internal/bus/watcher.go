package bus

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

var errMissingDispatcher = errors.New("dispatcher is required")

// WatcherConfig configures the storage-change fallback path.
type WatcherConfig struct {
	// SentinelPath is the file the store bumps on every save.
	SentinelPath string

	// SelfOrigin filters out notices produced by this process's own store
	// instance; a writer already holds the state it wrote.
	SelfOrigin string

	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Watcher bridges sentinel-file changes from sibling processes into the
// in-process dispatcher. It is the fallback delivery path: within one
// process the store publisher reaches the dispatcher directly, across
// processes only the filesystem event does.
type Watcher struct {
	cfg     WatcherConfig
	watcher *fsnotify.Watcher
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.SentinelPath == "" {
		return nil, errors.New("sentinel path is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{cfg: cfg, watcher: fsWatcher}, nil
}

// Run watches the sentinel until ctx is cancelled, publishing a notice for
// every foreign write.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close() //nolint:errcheck

	// Watch the directory, not the file: editors and atomic writers replace
	// the file and a direct watch would be lost.
	if err := w.watcher.Add(filepath.Dir(w.cfg.SentinelPath)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.cfg.SentinelPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			notice, ok := store.ReadSentinel(w.cfg.SentinelPath)
			if !ok {
				continue
			}
			if notice.Origin == w.cfg.SelfOrigin {
				continue
			}
			w.cfg.Dispatcher.Publish(Notice{Key: notice.Key, Origin: notice.Origin})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.cfg.Logger.Warn("storage watcher error", zap.Error(err))
		}
	}
}
