package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Sink 僅追加的事件存儲
type Sink interface {
	Append(ctx context.Context, e Event) error
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// Sweeper 支援保留期清理的存儲
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// MemorySink 記憶體存儲，超過上限時丟棄最舊事件
type MemorySink struct {
	mu         sync.RWMutex
	events     []Event
	maxEntries int
}

// NewMemorySink maxEntries <= 0 表示不限制
func NewMemorySink(maxEntries int) *MemorySink {
	return &MemorySink{maxEntries: maxEntries}
}

func (s *MemorySink) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.maxEntries > 0 && len(s.events) > s.maxEntries {
		drop := len(s.events) - s.maxEntries
		s.events = append([]Event(nil), s.events[drop:]...)
	}
	return nil
}

func (s *MemorySink) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemorySink) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// Len 目前事件數
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// FileSink JSONL 檔案存儲，輪轉與保留期由 rotatelogs 處理
type FileSink struct {
	mu     sync.Mutex
	path   string
	writer *rotatelogs.RotateLogs
}

// FileSinkOptions 檔案輪轉設定
type FileSinkOptions struct {
	RotationTime time.Duration
	MaxAge       time.Duration
	MaxSizeMB    int
}

// NewFileSink 在 path 建立輪轉的 JSONL 審計檔
func NewFileSink(path string, opts FileSinkOptions) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if opts.RotationTime <= 0 {
		opts.RotationTime = 24 * time.Hour
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 90 * 24 * time.Hour
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}

	writer, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithRotationTime(opts.RotationTime),
		rotatelogs.WithMaxAge(opts.MaxAge),
		rotatelogs.WithRotationSize(int64(opts.MaxSizeMB)*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{path: path, writer: writer}, nil
}

func (s *FileSink) Append(ctx context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (s *FileSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []Event
	for _, name := range files {
		events, err := readJSONL(name)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if f.Match(e) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close 關閉底層檔案
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

func readJSONL(name string) ([]Event, error) {
	fh, err := os.Open(name) // #nosec G304 -- path derived from configured audit path
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var events []Event
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupted audit line in %s: %w", filepath.Base(name), err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
