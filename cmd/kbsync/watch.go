package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Upload PDFs dropped into a directory",
	Long: `Watch a directory and upload every PDF that is created or rewritten in it.

A file is uploaded once it has stopped changing for --settle. Re-uploading an
unchanged file is harmless: chunk IDs are derived from the content.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settle, _ := cmd.Flags().GetDuration("settle")
		existing, _ := cmd.Flags().GetBool("existing")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dw := newDropWatcher(settle, func(ctx context.Context, paths []string) error {
			res, err := uploadFiles(cmd, client, paths)
			if err != nil {
				return err
			}
			printFileResults(res.Results)
			return nil
		})
		return dw.run(ctx, args[0], existing)
	},
}

func init() {
	watchCmd.Flags().Duration("settle", 2*time.Second, "quiet period before a changed file is uploaded")
	watchCmd.Flags().Bool("existing", false, "upload PDFs already in the directory on start")
}

// dropWatcher batches filesystem events into uploads of settled PDF files.
type dropWatcher struct {
	settle  time.Duration
	upload  func(ctx context.Context, paths []string) error
	pending map[string]time.Time
	logger  *slog.Logger
}

func newDropWatcher(settle time.Duration, upload func(ctx context.Context, paths []string) error) *dropWatcher {
	return &dropWatcher{
		settle:  settle,
		upload:  upload,
		pending: make(map[string]time.Time),
		logger:  slog.Default().With("component", "watch"),
	}
}

// pdfEvent reports the file an event refers to when it is a visible PDF that
// was created or written.
func pdfEvent(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return "", false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !isPDF(base) {
		return "", false
	}
	info, err := os.Stat(ev.Name)
	if err != nil || info.IsDir() {
		return "", false
	}
	return ev.Name, true
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func (w *dropWatcher) observe(ev fsnotify.Event, now time.Time) {
	if path, ok := pdfEvent(ev); ok {
		w.pending[path] = now
	}
}

// due removes and returns, sorted, the pending files that have been quiet for
// at least the settle period.
func (w *dropWatcher) due(now time.Time) []string {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	slices.Sort(ready)
	return ready
}

func (w *dropWatcher) flush(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := w.upload(ctx, paths); err != nil {
		w.logger.Error("upload failed", "files", len(paths), "error", err)
		printError("upload failed: %v", err)
	}
}

func existingPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !isPDF(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func (w *dropWatcher) run(ctx context.Context, dir string, existing bool) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if existing {
		paths, err := existingPDFs(dir)
		if err != nil {
			return fmt.Errorf("listing %s: %w", dir, err)
		}
		w.flush(ctx, paths)
	}

	printStep("Watching %s for PDFs (Ctrl-C to stop)", dir)
	tick := time.NewTicker(max(w.settle/2, 100*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(ev, time.Now())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case now := <-tick.C:
			w.flush(ctx, w.due(now))
		}
	}
}
