package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FileTypeMapping maps a file path pattern to a file type. The pattern is
// a doublestar glob relative to each watch directory.
type FileTypeMapping struct {
	Path string `json:"path"` // The file path pattern to match
	Type string `json:"type"` // The corresponding file type
}

// WatcherConfig holds the configuration for the intake watcher daemon.
type WatcherConfig struct {
	WatchDirs     []string          // List of directories to monitor for incoming files
	FileTypeMap   []FileTypeMapping // Slice of file type mappings
	SleepInterval time.Duration     // Duration to wait between polling cycles
	FileAgeSecs   int               // Minimum age (in seconds) of files to be processed
}

// Watcher polls directories for dropped request files and feeds them
// through the intake Server. Files are only picked up once they are older
// than FileAgeSecs, so half-written files are left alone.
type Watcher struct {
	config WatcherConfig
	server *Server
}

// NewWatcher creates and returns a new Watcher instance.
func NewWatcher(config WatcherConfig, server *Server) *Watcher {
	return &Watcher{
		config: config,
		server: server,
	}
}

// Run polls the watch directories until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.server.logger.Info().LogActivity("intake watcher started", map[string]any{
		"dirs": w.config.WatchDirs,
	})
	for {
		w.processAllMappings(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.config.SleepInterval):
		}
	}
}

// processAllMappings processes all file type mappings defined in the configuration.
func (w *Watcher) processAllMappings(ctx context.Context) {
	for _, mapping := range w.config.FileTypeMap {
		if err := w.processSingleMapping(ctx, mapping); err != nil {
			w.server.logger.Error(err).LogActivity("error processing mapping", map[string]any{
				"pattern": mapping.Path,
				"type":    mapping.Type,
			})
		}
	}
}

// processSingleMapping finds all files matching the mapping's pattern and
// processes each file.
func (w *Watcher) processSingleMapping(ctx context.Context, mapping FileTypeMapping) error {
	files, err := w.findFiles(mapping.Path)
	if err != nil {
		return fmt.Errorf("error finding files for pattern %s: %w", mapping.Path, err)
	}

	for _, file := range files {
		if err := w.processFile(ctx, file, mapping.Type); err != nil {
			w.server.logger.Error(err).LogActivity("error processing file", map[string]any{
				"file": file,
				"type": mapping.Type,
			})
		}
	}

	return nil
}

// findFiles finds all files matching the given pattern in the watch
// directories. doublestar is used instead of filepath.Glob because the
// mappings use '**' to match across directory levels.
func (w *Watcher) findFiles(pattern string) ([]string, error) {
	var files []string
	for _, dir := range w.config.WatchDirs {
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			return nil, fmt.Errorf("error globbing pattern %s in directory %s: %w", pattern, dir, err)
		}

		for _, match := range matches {
			files = append(files, filepath.Join(dir, match))
		}
	}

	return files, nil
}

// processFile stages one file in the incoming bucket, runs it through the
// intake server, and removes it from the file system when processing
// succeeded. Rejected files end up in the failed bucket via the server.
func (w *Watcher) processFile(ctx context.Context, filePath, fileType string) error {
	if !w.isFileOldEnough(filePath) {
		return nil // File is too new, skip it
	}

	objectID, err := w.stageFile(ctx, filePath)
	if err != nil {
		return fmt.Errorf("error staging file %s: %w", filePath, err)
	}

	_, _, err = w.server.ProcessFile(ctx, objectID, filepath.Base(filePath), fileType)
	if err != nil {
		return fmt.Errorf("error processing file %s: %w", filePath, err)
	}

	if err := os.Remove(filePath); err != nil {
		w.server.logger.Warn().LogActivity("could not delete processed file", map[string]any{
			"file":  filePath,
			"error": err.Error(),
		})
	}

	return nil
}

// stageFile stores the file in the incoming bucket and returns its object ID.
func (w *Watcher) stageFile(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("error opening file %s: %w", filePath, err)
	}
	defer file.Close()

	objectID := filepath.Base(filePath)

	err = w.server.objStore.Put(ctx, w.server.config.IncomingBucket, objectID, file, -1, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("error storing object %s: %w", objectID, err)
	}

	return objectID, nil
}

// isFileOldEnough checks the file's modification time against the
// configured age threshold.
func (w *Watcher) isFileOldEnough(filePath string) bool {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return false
	}

	return time.Since(fileInfo.ModTime()) >= time.Duration(w.config.FileAgeSecs)*time.Second
}
