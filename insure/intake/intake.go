// Package intake provides bulk loading of delivery requests from files.
//
// Operators drop request files (CSV, JSON lines, whatever a deployment
// uses) into watched directories or push them through the admin surface.
// A per-filetype check function validates the file and parses it into
// request inputs; good files have their rows inserted as ready requests
// and the original file archived to the object store, bad files are
// moved to the failed bucket for inspection.
package intake

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/insure"
	"github.com/remiges-tech/sureq/insure/objstore"
)

// FileChk is the type for file checking functions. A check function
// validates and parses the file contents, returning whether the file is
// good and the request inputs parsed from it.
type FileChk func(fileContents string, fileName string) (bool, []insure.NewRequest, string)

// Inserter is the slice of the request store that intake needs.
type Inserter interface {
	Insert(ctx context.Context, nr insure.NewRequest) (int64, error)
}

// ServerConfig holds configuration for the intake server.
type ServerConfig struct {
	IncomingBucket    string
	ArchiveBucket     string
	FailedBucket      string
	MaxObjectIDLength int

	// AllowedURLPatterns restricts which destination URLs a file may
	// contain, as doublestar globs matched against host/path. Empty
	// means allow all.
	AllowedURLPatterns []string
}

// Server handles bulk request-file intake.
type Server struct {
	fileChkMap map[string]FileChk
	store      Inserter
	objStore   objstore.ObjectStore
	logger     *logharbour.Logger
	mu         sync.RWMutex
	config     ServerConfig
}

// NewServer creates a new intake Server with the given configuration.
func NewServer(store Inserter, objStore objstore.ObjectStore, logger *logharbour.Logger, config ServerConfig) *Server {
	if config.MaxObjectIDLength == 0 {
		config.MaxObjectIDLength = 200 // Default value if not specified
	}
	if config.IncomingBucket == "" {
		config.IncomingBucket = "incoming"
	}
	if config.ArchiveBucket == "" {
		config.ArchiveBucket = "archived"
	}
	if config.FailedBucket == "" {
		config.FailedBucket = "failed"
	}
	return &Server{
		fileChkMap: make(map[string]FileChk),
		store:      store,
		objStore:   objStore,
		logger:     logger.WithModule("intake"),
		config:     config,
	}
}

// RegisterFileChk allows applications to register a file checking function
// for a specific file type. Each file type can only have one registered
// check function; attempting to register a second returns an error.
func (s *Server) RegisterFileChk(fileType string, fileChkFn FileChk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fileChkMap[fileType]; exists {
		return fmt.Errorf("file check function already registered for file type: %s", fileType)
	}

	s.fileChkMap[fileType] = fileChkFn
	return nil
}

// URLAllowed reports whether the destination URL passes the configured
// allowlist. The patterns are doublestar globs matched against
// "host/path" with the scheme stripped.
func (s *Server) URLAllowed(rawURL string) bool {
	if len(s.config.AllowedURLPatterns) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := u.Host + u.Path
	for _, pattern := range s.config.AllowedURLPatterns {
		if ok, err := doublestar.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}

// ProcessFile handles one incoming request file. The file argument is
// either the file contents or, when shorter than MaxObjectIDLength, the
// ID of an object already sitting in the incoming bucket.
//
// On success it returns the IDs of the inserted requests and the object
// ID under which the file was archived.
func (s *Server) ProcessFile(ctx context.Context, file, filename, filetype string) ([]int64, string, error) {
	var fileContents string
	var objectID string

	// Check if the input is an object ID or file contents
	if len(file) < s.config.MaxObjectIDLength {
		objectID = file
		var err error
		fileContents, err = s.getObjectContents(ctx, objectID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read object contents: %v", err)
		}
	} else {
		fileContents = file
	}

	s.mu.RLock()
	fileChkFn, exists := s.fileChkMap[filetype]
	s.mu.RUnlock()
	if !exists {
		return nil, "", fmt.Errorf("no file check function registered for file type: %s", filetype)
	}

	isgood, inputs, detail := fileChkFn(fileContents, filename)
	if isgood {
		// The allowlist is enforced here rather than in the dispatch
		// path, so a bad file never produces rows.
		for _, nr := range inputs {
			if !s.URLAllowed(nr.URL) {
				isgood = false
				detail = fmt.Sprintf("url not allowed: %s", nr.URL)
				break
			}
		}
	}

	if !isgood {
		s.logger.Warn().LogActivity("request file rejected", map[string]any{
			"filename": filename,
			"filetype": filetype,
			"detail":   detail,
		})
		// Move the object to the failed bucket if it exists
		if objectID != "" {
			if err := s.moveObjectToFailedBucket(ctx, objectID); err != nil {
				return nil, "", fmt.Errorf("failed to move object to failed bucket: %v", err)
			}
		}
		return nil, "", fmt.Errorf("file check failed for file type %s: %s", filetype, detail)
	}

	ids := make([]int64, 0, len(inputs))
	for _, nr := range inputs {
		id, err := s.store.Insert(ctx, nr)
		if err != nil {
			return ids, "", fmt.Errorf("failed to insert request: %v", err)
		}
		ids = append(ids, id)
	}

	// If file contents were given directly, archive them now; objects
	// that arrived through the incoming bucket are copied over.
	var err error
	if objectID == "" {
		objectID, err = s.archiveFileContents(ctx, fileContents, filename)
		if err != nil {
			return ids, "", fmt.Errorf("failed to archive file contents: %v", err)
		}
	} else {
		objectID, err = s.moveObjectToArchiveBucket(ctx, objectID)
		if err != nil {
			return ids, "", fmt.Errorf("failed to archive object: %v", err)
		}
	}

	s.logger.Info().LogActivity("request file accepted", map[string]any{
		"filename": filename,
		"filetype": filetype,
		"requests": len(ids),
		"object":   objectID,
		"checksum": fileChecksum(fileContents),
	})

	return ids, objectID, nil
}

// getObjectContents retrieves the contents of an object from the incoming bucket.
func (s *Server) getObjectContents(ctx context.Context, objectID string) (string, error) {
	reader, err := s.objStore.Get(ctx, s.config.IncomingBucket, objectID)
	if err != nil {
		return "", fmt.Errorf("failed to get object from store: %v", err)
	}
	defer reader.Close()

	var buffer bytes.Buffer
	_, err = io.Copy(&buffer, reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object contents: %v", err)
	}

	return buffer.String(), nil
}

// moveObjectToFailedBucket moves an object from the incoming bucket to the failed bucket.
func (s *Server) moveObjectToFailedBucket(ctx context.Context, objectID string) error {
	reader, err := s.objStore.Get(ctx, s.config.IncomingBucket, objectID)
	if err != nil {
		return fmt.Errorf("failed to get object from incoming bucket: %v", err)
	}
	defer reader.Close()

	failedObjectID := stampObjectID(objectID)

	err = s.objStore.Put(ctx, s.config.FailedBucket, failedObjectID, reader, -1, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("failed to put object in failed bucket: %v", err)
	}

	if err := s.objStore.Delete(ctx, s.config.IncomingBucket, objectID); err != nil {
		s.logger.Warn().LogActivity("could not remove object from incoming bucket", map[string]any{
			"object": objectID,
			"error":  err.Error(),
		})
	}

	return nil
}

// moveObjectToArchiveBucket moves a processed object from the incoming
// bucket to the archive bucket and returns its new object ID.
func (s *Server) moveObjectToArchiveBucket(ctx context.Context, objectID string) (string, error) {
	reader, err := s.objStore.Get(ctx, s.config.IncomingBucket, objectID)
	if err != nil {
		return "", fmt.Errorf("failed to get object from incoming bucket: %v", err)
	}
	defer reader.Close()

	archivedObjectID := stampObjectID(objectID)

	err = s.objStore.Put(ctx, s.config.ArchiveBucket, archivedObjectID, reader, -1, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("failed to put object in archive bucket: %v", err)
	}

	if err := s.objStore.Delete(ctx, s.config.IncomingBucket, objectID); err != nil {
		s.logger.Warn().LogActivity("could not remove object from incoming bucket", map[string]any{
			"object": objectID,
			"error":  err.Error(),
		})
	}

	return archivedObjectID, nil
}

// stampObjectID derives a new object ID carrying a timestamp and a short
// unique suffix, so repeated intakes of the same filename never collide.
func stampObjectID(originalID string) string {
	timestamp := time.Now().Format("20060102-150405")
	uniqueID := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s", filepath.Base(originalID), timestamp, uniqueID)
}

// archiveFileContents stores the file contents in the archive bucket and
// returns the object ID.
func (s *Server) archiveFileContents(ctx context.Context, contents, filename string) (string, error) {
	objectID := s.generateObjectID(filename)

	reader := strings.NewReader(contents)
	contentType := detectContentType(contents, filename)

	err := s.objStore.Put(ctx, s.config.ArchiveBucket, objectID, reader, int64(len(contents)), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store file contents: %v", err)
	}

	return objectID, nil
}

// generateObjectID creates a unique object ID for storing in the object store.
func (s *Server) generateObjectID(filename string) string {
	sanitized := sanitizeFilename(filename)
	timestamp := time.Now().Format("20060102-150405")
	uniqueID := uuid.New().String()

	// Calculate the maximum length for the sanitized filename
	maxSanitizedLength := s.config.MaxObjectIDLength - len(timestamp) - len(uniqueID) - 2 // 2 for the underscores
	if maxSanitizedLength < 0 {
		maxSanitizedLength = 0
	}
	if len(sanitized) > maxSanitizedLength {
		sanitized = sanitized[:maxSanitizedLength]
	}

	objectID := fmt.Sprintf("%s_%s_%s", sanitized, timestamp, uniqueID)
	if len(objectID) > s.config.MaxObjectIDLength {
		// If it's still too long, truncate the uniqueID (least important for human readability)
		excessLength := len(objectID) - s.config.MaxObjectIDLength
		uniqueID = uniqueID[:len(uniqueID)-excessLength]
		objectID = fmt.Sprintf("%s_%s_%s", sanitized, timestamp, uniqueID)
	}

	return objectID
}

// sanitizeFilename removes or replaces characters that might be problematic in object storage.
func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	sanitized := replacer.Replace(filename)

	maxLength := 100
	if len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength]
	}

	return sanitized
}

// fileChecksum returns the MD5 checksum of the file contents, recorded in
// the intake log so operators can match archived objects to source files.
func fileChecksum(contents string) string {
	h := md5.New()
	io.WriteString(h, contents)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// detectContentType determines the content type of the file using the mimetype package.
func detectContentType(contents, filename string) string {
	mtype := mimetype.Detect([]byte(contents))
	detectedType := mtype.String()

	// If the detected type is too generic, try to refine it using the file extension
	if strings.HasPrefix(detectedType, "application/octet-stream") || strings.HasPrefix(detectedType, "text/plain") {
		ext := strings.ToLower(filepath.Ext(filename))
		switch ext {
		case ".csv":
			return "text/csv"
		case ".tsv":
			return "text/tab-separated-values"
		case ".json", ".jsonl", ".ndjson":
			return "application/json"
		case ".xml":
			return "application/xml"
		case ".yaml", ".yml":
			return "application/x-yaml"
		}
	}

	return detectedType
}
