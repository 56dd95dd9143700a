package main

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Zereker/tlvserver/internal/config"
)

// watchConfig re-reads path whenever it changes and applies logging.level.
// Other settings need a restart. The watcher stops when ctx is done.
func watchConfig(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}

	// Watch the directory: editors often replace the file rather than write it.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				reloadLevel(path, level, logger)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

// reloadLevel applies the level from the file at path, keeping the current
// level if the file does not load.
func reloadLevel(path string, level zap.AtomicLevel, logger *zap.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("ignoring invalid config change", zap.String("path", path), zap.Error(err))
		return
	}

	next, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil || next == level.Level() {
		return
	}

	logger.Info("log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
	level.SetLevel(next)
}
