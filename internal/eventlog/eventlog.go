// Package eventlog appends log_event payloads to daily JSON-lines files.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/codehub/internal/logger"
)

type entry struct {
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// Writer writes one line per event into <dir>/YYYY-MM-DD.json, switching
// files at UTC midnight.
type Writer struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// New creates dir if needed
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Dir returns the events directory
func (w *Writer) Dir() string {
	return w.dir
}

// Log records content, logging instead of returning failures
func (w *Writer) Log(content string) {
	if err := w.Write(content); err != nil {
		logger.Warn("Failed to log event: %v", err)
	}
}

// Write records content. Valid JSON is embedded as is, anything else as a
// JSON string.
func (w *Writer) Write(content string) error {
	now := w.now().UTC()

	data := json.RawMessage(content)
	if !json.Valid(data) {
		quoted, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		data = quoted
	}

	line, err := json.Marshal(entry{TS: now, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotate(now.Format("2006-01-02")); err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (w *Writer) rotate(day string) error {
	if w.file != nil && w.day == day {
		return nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			logger.Warn("Failed to close event file for %s: %v", w.day, err)
		}
		w.file = nil
	}

	f, err := os.OpenFile(filepath.Join(w.dir, day+".json"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event file: %w", err)
	}
	w.file = f
	w.day = day
	return nil
}

// Close closes the current file. Later writes reopen it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
