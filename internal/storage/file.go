package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/crawlkit/crawlkit/internal/types"
)

// --- JSON Storage ---

// JSONStorage writes items as a JSON array to a file. Unlike the
// streaming JSONL/CSV backends, the array framing means nothing can
// be written until Close, but it still snapshots its buffer to a
// sibling ".partial.json" file every batchSize items so a crash
// mid-crawl doesn't lose everything buffered so far.
type JSONStorage struct {
	path      string
	batchSize int
	items     []*types.Item
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewJSONStorage creates a new JSON file storage. batchSize <= 0
// disables the partial-snapshot checkpoint.
func NewJSONStorage(outputPath string, batchSize int, logger *slog.Logger) (*JSONStorage, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	return &JSONStorage{
		path:      outputPath,
		batchSize: batchSize,
		items:     make([]*types.Item, 0),
		logger:    logger.With("component", "json_storage"),
	}, nil
}

func (s *JSONStorage) Name() string { return "json" }

func (s *JSONStorage) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	s.logger.Debug("items buffered", "count", len(items), "total", len(s.items))

	if s.batchSize > 0 && len(s.items)%s.batchSize < len(items) {
		if err := s.writeSnapshot(s.path + ".partial.json"); err != nil {
			s.logger.Warn("partial snapshot failed", "error", err)
		}
	}
	return nil
}

// writeSnapshot writes the current buffer to path without closing the
// storage. Caller must hold s.mu.
func (s *JSONStorage) writeSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(itemsToEntries(s.items))
}

func (s *JSONStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(itemsToEntries(s.items)); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}

	_ = os.Remove(s.path + ".partial.json")
	s.logger.Info("JSON written", "path", s.path, "items", len(s.items))
	return nil
}

// itemsToEntries flattens items into the field-map shape the JSON and
// JSONL storages write: each item's fields alongside its URL,
// timestamp, and originating spider name. CSVStorage writes
// Item.ToFlatMap rows instead.
func itemsToEntries(items []*types.Item) []map[string]any {
	entries := make([]map[string]any, len(items))
	for i, item := range items {
		entry := make(map[string]any, len(item.Fields)+3)
		entry["_url"] = item.URL
		entry["_timestamp"] = item.Timestamp
		if item.SpiderName != "" {
			entry["_spider"] = item.SpiderName
		}
		for k, v := range item.Fields {
			entry[k] = v
		}
		entries[i] = entry
	}
	return entries
}

// --- JSONL Storage ---

// JSONLStorage writes items as newline-delimited JSON (one object per
// line), fsyncing every batchSize items so the durable tail of the
// file never lags far behind what Store has acknowledged.
type JSONLStorage struct {
	path      string
	file      *os.File
	enc       *json.Encoder
	batchSize int
	mu        sync.Mutex
	count     int
	logger    *slog.Logger
}

// NewJSONLStorage creates a new JSONL file storage (streaming writes).
// batchSize <= 0 disables the periodic fsync.
func NewJSONLStorage(outputPath string, batchSize int, logger *slog.Logger) (*JSONLStorage, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &JSONLStorage{
		path:      outputPath,
		file:      f,
		enc:       json.NewEncoder(f),
		batchSize: batchSize,
		logger:    logger.With("component", "jsonl_storage"),
	}, nil
}

func (s *JSONLStorage) Name() string { return "jsonl" }

func (s *JSONLStorage) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range itemsToEntries(items) {
		if err := s.enc.Encode(entry); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		s.count++
		if s.batchSize > 0 && s.count%s.batchSize == 0 {
			if err := s.file.Sync(); err != nil {
				s.logger.Warn("fsync failed", "error", err)
			}
		}
	}
	return nil
}

func (s *JSONLStorage) Close() error {
	s.logger.Info("JSONL written", "path", s.path, "items", s.count)
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// --- CSV Storage ---

// CSVStorage writes items as CSV rows.
type CSVStorage struct {
	path      string
	file      *os.File
	writer    *csv.Writer
	headers   []string
	batchSize int
	mu        sync.Mutex
	count     int
	logger    *slog.Logger
}

// NewCSVStorage creates a new CSV file storage. batchSize <= 0
// disables the periodic fsync.
func NewCSVStorage(outputPath string, batchSize int, logger *slog.Logger) (*CSVStorage, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &CSVStorage{
		path:      outputPath,
		file:      f,
		writer:    csv.NewWriter(f),
		batchSize: batchSize,
		logger:    logger.With("component", "csv_storage"),
	}, nil
}

func (s *CSVStorage) Name() string { return "csv" }

func (s *CSVStorage) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		flat := item.ToFlatMap()

		// Detect headers on first item
		if s.headers == nil {
			s.headers = make([]string, 0, len(flat))
			for k := range flat {
				s.headers = append(s.headers, k)
			}
			sort.Strings(s.headers)

			// Write header row
			if err := s.writer.Write(s.headers); err != nil {
				return fmt.Errorf("write CSV header: %w", err)
			}
		}

		// Write row
		row := make([]string, len(s.headers))
		for i, h := range s.headers {
			row[i] = flat[h]
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		s.count++
		if s.batchSize > 0 && s.count%s.batchSize == 0 {
			s.writer.Flush()
			if err := s.file.Sync(); err != nil {
				s.logger.Warn("fsync failed", "error", err)
			}
		}
	}

	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVStorage) Close() error {
	s.logger.Info("CSV written", "path", s.path, "items", s.count)
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// NewFileStorage creates the appropriate file-based storage by type.
// batchSize controls how often the backend fsyncs (or, for JSON,
// snapshots) its buffered output; <= 0 disables the behavior.
func NewFileStorage(storageType, outputDir string, batchSize int, logger *slog.Logger) (Storage, error) {
	switch storageType {
	case "json":
		return NewJSONStorage(filepath.Join(outputDir, "results.json"), batchSize, logger)
	case "jsonl":
		return NewJSONLStorage(filepath.Join(outputDir, "results.jsonl"), batchSize, logger)
	case "csv":
		return NewCSVStorage(filepath.Join(outputDir, "results.csv"), batchSize, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
