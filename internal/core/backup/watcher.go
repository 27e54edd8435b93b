package backup

import (
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// Watcher observes a FileKV directory and invokes a hint callback when the
// backup is rewritten by another process of the same session. The callback
// is a resync hint, never treated as an authoritative delta.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger log.Log
	done   chan struct{}
}

// NewWatcher starts watching the FileKV directory. onChange runs on the
// watcher goroutine; keep it cheap (schedule work, don't do it inline).
func NewWatcher(kv *FileKV, onChange func(), logger log.Log) (*Watcher, error) {
	if logger == nil {
		logger = log.Provide()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fw.Add(kv.Dir()); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:     fw,
		logger: logger.With(log.String("component", "backup_watcher")),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				// Temp files from atomic writes settle via rename; only the
				// final items key matters.
				if !strings.HasSuffix(ev.Name, sanitizedItemsKey) {
					continue
				}
				w.logger.Debug("backup changed externally", log.String("path", ev.Name))
				onChange()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("backup watcher error", log.Err(err))
			}
		}
	}()

	return w, nil
}

// sanitizedItemsKey matches how FileKV maps ItemsKey onto a file name.
const sanitizedItemsKey = "cartsync.items"

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
