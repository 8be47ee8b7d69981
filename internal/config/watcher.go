package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher observes the .env file and nudges a reload callback when it
// changes. The callback only marks the poller's settings cache dirty; the
// poller itself still rate-limits reloads to once per 30 s.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration
}

// NewWatcher creates a watcher for the given env file. A missing file is
// not an error; the parent directory is watched so a later creation is
// still picked up.
func NewWatcher(envFile string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(envFile)
	if dir == "" {
		dir = "."
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  fsw,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
		w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire several events per save; coalesce them.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, func() {
				if _, err := os.Stat(event.Name); err != nil {
					return
				}
				log.Info().Str("file", event.Name).Msg("Environment file changed, scheduling settings reload")
				w.onChange()
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
