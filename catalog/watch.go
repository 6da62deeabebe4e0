package catalog

import (
	"context"
	"path/filepath"
	"time"

	"masterclassdev/logger"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

type WatchProps struct {
	Path   string
	Logger *logger.LogMiddleware
	// OnReload runs after a successful reload.
	OnReload func([]Series)
}

// Watch reloads the catalog whenever the file at args.Path changes, until ctx
// is cancelled. A file that fails to parse is logged and the previous catalog
// stays in place. The parent directory is watched so editors that replace the
// file on save are picked up.
func (c *Catalog) Watch(ctx context.Context, args WatchProps) error {
	if args.Logger == nil {
		args.Logger = logger.Nop()
	}
	log := args.Logger.Logger(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(args.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}
	log.Info("[Catalog] Watching catalog file", zap.String("path", target))

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				pending = time.After(reloadDebounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("[Catalog] Watcher error", zap.Error(err))

			case <-pending:
				pending = nil
				series, err := readFile(target)
				if err != nil {
					log.Error("[Catalog] Reload failed, keeping previous catalog", zap.Error(err))
					continue
				}
				c.replace(series)
				log.Info("[Catalog] Catalog reloaded", zap.Int("series", len(series)))
				if args.OnReload != nil {
					args.OnReload(series)
				}
			}
		}
	}()

	return nil
}
