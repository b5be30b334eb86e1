package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/codec"
)

// Logger records timestamped parameter readings to CSV files with automatic
// rotation. One column per parameter, in the order given to SetColumns.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	columns  []string
	index    map[string]int

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~5.5 hrs at 5 Hz)
)

var now = time.Now

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/goobd"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 200 * time.Millisecond // Default 5 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetColumns fixes the parameter columns. A change starts a new file so
// every file has a consistent header.
func (l *Logger) SetColumns(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if equal(l.columns, names) {
		return
	}
	l.columns = append([]string(nil), names...)
	l.index = make(map[string]int, len(names))
	for i, n := range names {
		l.index[n] = i + 1
	}
	l.closeFile()
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently being written, if any.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Record writes one row from a polling pass if the minimum interval has
// elapsed. Parameters missing from the pass leave their cell empty.
func (l *Logger) Record(readings []codec.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(l.columns) == 0 || len(readings) == 0 {
		return
	}

	ts := now()
	if ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(ts); err != nil {
			log.Error().Err(err).Msg("recorder rotate failed")
			return
		}
	}

	if err := l.writer.Write(l.buildRow(ts, readings)); err != nil {
		log.Error().Err(err).Msg("recorder write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(ts time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("goobd_%s.csv", ts.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	header := append([]string{"timestamp"}, l.columns...)
	if err := l.writer.Write(header); err != nil {
		return err
	}
	l.writer.Flush()

	log.Info().Str("path", path).Msg("recorder opened file")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) buildRow(ts time.Time, readings []codec.Reading) []string {
	row := make([]string, len(l.columns)+1)
	row[0] = ts.Format(time.RFC3339Nano)
	for _, r := range readings {
		if i, ok := l.index[r.Parameter]; ok {
			row[i] = strconv.FormatFloat(r.Value, 'f', -1, 64)
		}
	}
	return row
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
