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
	"time"

	"github.com/webstalk/clustermaster/internal/types"
)

// record is the serialized shape shared by the JSON-based exports.
type record struct {
	Source      string         `json:"source"`
	CollectedAt time.Time      `json:"collected_at"`
	Depth       int            `json:"depth,omitempty"`
	Fields      map[string]any `json:"fields"`
}

func toRecord(item *types.Item) record {
	return record{
		Source:      item.Source,
		CollectedAt: item.CollectedAt,
		Depth:       item.Depth,
		Fields:      item.Fields,
	}
}

func createOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

// jsonFile buffers all items and writes a single indented array on Close,
// so the output file is always well-formed JSON.
type jsonFile struct {
	mu     sync.Mutex
	path   string
	buf    []record
	logger *slog.Logger
}

func newJSONFile(path string, logger *slog.Logger) (*jsonFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &jsonFile{path: path, logger: logger.With("component", "json_storage")}, nil
}

func (s *jsonFile) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.buf = append(s.buf, toRecord(item))
	}
	return nil
}

func (s *jsonFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := createOutput(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.buf); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.logger.Info("items exported", "path", s.path, "count", len(s.buf))
	return nil
}

// jsonlFile streams one JSON object per line as batches arrive.
type jsonlFile struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	count  int
	logger *slog.Logger
}

func newJSONLFile(path string, logger *slog.Logger) (*jsonlFile, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	return &jsonlFile{
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With("component", "jsonl_storage"),
	}, nil
}

func (s *jsonlFile) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if err := s.enc.Encode(toRecord(item)); err != nil {
			return fmt.Errorf("write %s: %w", s.file.Name(), err)
		}
		s.count++
	}
	return nil
}

func (s *jsonlFile) Close() error {
	s.logger.Info("items exported", "path", s.file.Name(), "count", s.count)
	return s.file.Close()
}

// csvFile writes rows as batches arrive, fixing the column set from the
// first item it sees.
type csvFile struct {
	mu      sync.Mutex
	file    *os.File
	w       *csv.Writer
	columns []string
	count   int
	logger  *slog.Logger
}

func newCSVFile(path string, logger *slog.Logger) (*csvFile, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	return &csvFile{
		file:   f,
		w:      csv.NewWriter(f),
		logger: logger.With("component", "csv_storage"),
	}, nil
}

func (s *csvFile) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		flat := item.Flat()
		if s.columns == nil {
			for col := range flat {
				s.columns = append(s.columns, col)
			}
			sort.Strings(s.columns)
			if err := s.w.Write(s.columns); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
		}
		row := make([]string, len(s.columns))
		for i, col := range s.columns {
			row[i] = flat[col]
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		s.count++
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *csvFile) Close() error {
	s.w.Flush()
	s.logger.Info("items exported", "path", s.file.Name(), "count", s.count)
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
