package patterns

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// FileSource drains line-delimited JSON patterns from a file the learner
// appends to, and appends feedback to a JSONL sink next to it. The read
// offset persists in a sidecar file so restarts do not redeliver patterns.
type FileSource struct {
	mu           sync.Mutex
	patternsPath string
	offsetPath   string
	feedbackPath string
}

// NewFileSource creates a source over dir/patterns.jsonl with feedback to
// dir/feedback.jsonl.
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create patterns dir: %w", err)
	}
	return &FileSource{
		patternsPath: filepath.Join(dir, "patterns.jsonl"),
		offsetPath:   filepath.Join(dir, "patterns.offset"),
		feedbackPath: filepath.Join(dir, "feedback.jsonl"),
	}, nil
}

// Next reads patterns appended since the last drain. Malformed lines are
// logged and skipped, never redelivered.
func (s *FileSource) Next() ([]policy.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.patternsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open patterns file: %w", err)
	}
	defer f.Close()

	offset := s.loadOffset()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seek patterns file: %w", err)
	}

	var out []policy.Pattern
	consumed := offset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// No newline yet: the writer is mid-append. Leave the
			// partial line for the next drain so it is never skipped.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read patterns file: %w", err)
		}
		consumed += int64(len(line))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var p policy.Pattern
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			logging.Feedback("skipping malformed pattern line: %v", err)
			continue
		}
		if p.ID == "" {
			logging.Feedback("skipping pattern without id")
			continue
		}
		out = append(out, p)
	}

	if err := s.saveOffset(consumed); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		logging.Feedback("drained %d patterns", len(out))
	}
	return out, nil
}

// Feedback appends one record to the feedback sink.
func (s *FileSource) Feedback(rec FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	f, err := os.OpenFile(s.feedbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open feedback file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (s *FileSource) loadOffset() int64 {
	data, err := os.ReadFile(s.offsetPath)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *FileSource) saveOffset(n int64) error {
	if err := os.WriteFile(s.offsetPath, []byte(strconv.FormatInt(n, 10)), 0644); err != nil {
		return fmt.Errorf("save patterns offset: %w", err)
	}
	return nil
}
