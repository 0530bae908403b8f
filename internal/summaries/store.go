// Package summaries stores full tool output on disk so the agent loop can
// hand the model a short excerpt instead of a multi-kilobyte result. The
// store is content addressed: identical documents share one summary id, and
// the id round-trips through the read_source and write_source tools.
//
// Layout under the store directory:
//
//	summary_hash_map.json   SHA-256(document) -> summary id
//	original-<id>.txt       the full document
//	summary-<id>.txt        the condensed excerpt handed to the model
package summaries

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/ensemble/internal/observability"
)

const hashMapFile = "summary_hash_map.json"

// Excerpt sizing for condensed output. Head keeps the part most tools front-
// load (status lines, headers); tail keeps trailing errors and totals.
const (
	excerptHead = 1500
	excerptTail = 500
)

// Config configures a Store. Dir defaults to "./summaries".
type Config struct {
	Dir    string
	Logger *observability.Logger

	// NewID mints summary ids. Defaults to uuid.NewString.
	NewID func() string
}

// Store is a content-addressed summary directory. Safe for concurrent use;
// the hash map has a single writer guarded by the store mutex.
type Store struct {
	dir    string
	logger *observability.Logger
	newID  func() string

	mu     sync.Mutex
	byHash map[string]string
}

// Open creates the store directory if needed and loads the hash map. A hash
// map that fails to parse is reset to empty with a warning; the paired files
// it referenced stay on disk but are no longer deduplicated against.
func Open(config Config) (*Store, error) {
	if config.Dir == "" {
		config.Dir = "./summaries"
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("summaries: create store dir: %w", err)
	}

	s := &Store{
		dir:    config.Dir,
		logger: config.Logger,
		newID:  config.NewID,
		byHash: make(map[string]string),
	}

	data, err := os.ReadFile(filepath.Join(config.Dir, hashMapFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("summaries: read hash map: %w", err)
	default:
		if jsonErr := json.Unmarshal(data, &s.byHash); jsonErr != nil {
			s.logger.Warn(context.Background(), "summary hash map is corrupt, resetting",
				"path", filepath.Join(config.Dir, hashMapFile), "error", jsonErr)
			s.byHash = make(map[string]string)
		}
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// Condense stores the full text and returns the excerpt the model sees. It
// satisfies agent.Condenser. Identical text reuses the existing summary id.
func (s *Store) Condense(ctx context.Context, toolName, text string) (string, error) {
	id, created, err := s.Save(ctx, text)
	if err != nil {
		return "", err
	}
	summary := condensedText(toolName, text, id)
	if created {
		if err := writeFileSync(s.summaryPath(id), []byte(summary)); err != nil {
			s.logger.Warn(ctx, "writing summary file failed", "id", id, "error", err)
		}
	}
	return summary, nil
}

// Save stores text under its content hash and returns the summary id.
// created reports whether this call wrote a new document.
func (s *Store) Save(ctx context.Context, text string) (id string, created bool, err error) {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[hash]; ok {
		return id, false, nil
	}

	id = s.newID()
	if err := writeFileSync(s.originalPath(id), []byte(text)); err != nil {
		return "", false, fmt.Errorf("summaries: write original: %w", err)
	}
	s.byHash[hash] = id
	if err := s.saveHashMapLocked(); err != nil {
		return "", false, err
	}
	s.logger.Debug(ctx, "stored tool output", "id", id, "bytes", len(text))
	return id, true, nil
}

// ReadOriginal returns the full stored document for a summary id.
func (s *Store) ReadOriginal(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.originalPath(id))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("summaries: unknown summary id %q", id)
	}
	if err != nil {
		return "", fmt.Errorf("summaries: read original: %w", err)
	}
	return string(data), nil
}

// ReadOriginalLines returns an inclusive 1-based line range of the stored
// document. start <= 0 reads from the first line; end <= 0 or past the last
// line reads through the end.
func (s *Store) ReadOriginalLines(id string, start, end int) (string, error) {
	text, err := s.ReadOriginal(id)
	if err != nil {
		return "", err
	}
	lines := strings.Split(text, "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return "", fmt.Errorf("summaries: line range %d-%d out of bounds (%d lines)", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// WriteOriginalTo copies the stored document to path, creating parent
// directories as needed.
func (s *Store) WriteOriginalTo(id, path string) error {
	text, err := s.ReadOriginal(id)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("summaries: create target dir: %w", err)
		}
	}
	return writeFileSync(path, []byte(text))
}

// SummaryText returns the stored excerpt for a summary id.
func (s *Store) SummaryText(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.summaryPath(id))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("summaries: unknown summary id %q", id)
	}
	if err != nil {
		return "", fmt.Errorf("summaries: read summary: %w", err)
	}
	return string(data), nil
}

func (s *Store) originalPath(id string) string {
	return filepath.Join(s.dir, "original-"+id+".txt")
}

func (s *Store) summaryPath(id string) string {
	return filepath.Join(s.dir, "summary-"+id+".txt")
}

// saveHashMapLocked persists the hash map via write-to-temp plus rename so a
// crash mid-write never leaves a truncated map behind.
func (s *Store) saveHashMapLocked() error {
	data, err := json.MarshalIndent(s.byHash, "", "  ")
	if err != nil {
		return fmt.Errorf("summaries: encode hash map: %w", err)
	}
	path := filepath.Join(s.dir, hashMapFile)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("summaries: write hash map: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("summaries: replace hash map: %w", err)
	}
	return nil
}

// condensedText builds the excerpt handed to the model: the head and tail of
// the document plus a reference the agent can follow with read_source.
func condensedText(toolName, text, id string) string {
	lines := strings.Count(text, "\n") + 1
	var b strings.Builder
	if len(text) <= excerptHead+excerptTail {
		b.WriteString(text)
	} else {
		b.WriteString(text[:excerptHead])
		b.WriteString("\n...\n")
		b.WriteString(text[len(text)-excerptTail:])
	}
	fmt.Fprintf(&b, "\n\n[%s output was %d characters (%d lines); stored as summary_id %q. Use read_source(%q) to read the full output.]",
		toolName, len(text), lines, id, id)
	return b.String()
}

// validateID rejects ids that could escape the store directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("summaries: empty summary id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("summaries: invalid summary id %q", id)
		}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
