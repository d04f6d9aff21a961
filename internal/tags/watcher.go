package tags

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartSeedWatcher re-seeds the catalogue when the seed file changes, so
// operators can extend the vocabulary without a restart. Falls back to
// polling when fsnotify cannot watch the path.
func (c *Catalogue) StartSeedWatcher(ctx context.Context, path string) {
	if path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[Tags] fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("[Tags] cannot watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	if usePolling {
		go c.pollSeed(ctx, path)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often truncate then write; let the write settle.
					time.Sleep(100 * time.Millisecond)
					if err := c.SeedFromFile(ctx, path); err != nil {
						log.Printf("[Tags] reseed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Tags] watcher error: %v", err)
			}
		}
	}()
}

func (c *Catalogue) pollSeed(ctx context.Context, path string) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SeedFromFile(ctx, path); err != nil {
				log.Printf("[Tags] poll reseed: %v", err)
			}
		}
	}
}
