package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains process-local counters for recompression work since
// the process started. Lifetime totals live in the event log.
type Statistics struct {
	Attempted      int64
	Compressed     int64
	KeptOriginal   int64
	AlreadyOptimal int64
	Skipped        int64
	Failed         int64
	BatchesRun     int64

	BytesBefore int64
	BytesAfter  int64

	StartTime time.Time

	Errors []StatError

	FormatStats map[string]int64

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file_path"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent copy of the counters for reporting.
type Snapshot struct {
	Attempted      int64            `json:"attempted"`
	Compressed     int64            `json:"compressed"`
	KeptOriginal   int64            `json:"kept_original"`
	AlreadyOptimal int64            `json:"already_optimal"`
	Skipped        int64            `json:"skipped"`
	Failed         int64            `json:"failed"`
	BatchesRun     int64            `json:"batches_run"`
	BytesBefore    int64            `json:"bytes_before"`
	BytesAfter     int64            `json:"bytes_after"`
	BytesSaved     int64            `json:"bytes_saved"`
	Uptime         string           `json:"uptime"`
	Formats        map[string]int64 `json:"formats"`
}

const maxKeptErrors = 100

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		FormatStats: make(map[string]int64),
		Errors:      make([]StatError, 0),
	}
}

// RecordCompressed counts a committed re-encode.
func (s *Statistics) RecordCompressed(format string, before, after int64) {
	atomic.AddInt64(&s.Attempted, 1)
	atomic.AddInt64(&s.Compressed, 1)
	atomic.AddInt64(&s.BytesBefore, before)
	atomic.AddInt64(&s.BytesAfter, after)
	s.incrementFormat(format)
}

// RecordKeptOriginal counts a re-encode that was rolled back for being larger.
func (s *Statistics) RecordKeptOriginal(format string, size int64) {
	atomic.AddInt64(&s.Attempted, 1)
	atomic.AddInt64(&s.KeptOriginal, 1)
	atomic.AddInt64(&s.BytesBefore, size)
	atomic.AddInt64(&s.BytesAfter, size)
	s.incrementFormat(format)
}

// RecordAlreadyOptimal counts a file the adapter declined to touch.
func (s *Statistics) RecordAlreadyOptimal(format string) {
	atomic.AddInt64(&s.Attempted, 1)
	atomic.AddInt64(&s.AlreadyOptimal, 1)
	s.incrementFormat(format)
}

// IncrementSkipped counts an asset that was not applicable.
func (s *Statistics) IncrementSkipped() {
	atomic.AddInt64(&s.Skipped, 1)
}

// IncrementBatches counts one batch driver step.
func (s *Statistics) IncrementBatches() {
	atomic.AddInt64(&s.BatchesRun, 1)
}

// RecordFailure counts a failed attempt and keeps the most recent errors.
func (s *Statistics) RecordFailure(filePath, operation, errorMsg string) {
	atomic.AddInt64(&s.Attempted, 1)
	atomic.AddInt64(&s.Failed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
	if len(s.Errors) > maxKeptErrors {
		s.Errors = s.Errors[len(s.Errors)-maxKeptErrors:]
	}
}

func (s *Statistics) incrementFormat(format string) {
	if format == "" {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FormatStats[format]++
}

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	formats := make(map[string]int64, len(s.FormatStats))
	for k, v := range s.FormatStats {
		formats[k] = v
	}
	s.mutex.RUnlock()

	before := atomic.LoadInt64(&s.BytesBefore)
	after := atomic.LoadInt64(&s.BytesAfter)
	return Snapshot{
		Attempted:      atomic.LoadInt64(&s.Attempted),
		Compressed:     atomic.LoadInt64(&s.Compressed),
		KeptOriginal:   atomic.LoadInt64(&s.KeptOriginal),
		AlreadyOptimal: atomic.LoadInt64(&s.AlreadyOptimal),
		Skipped:        atomic.LoadInt64(&s.Skipped),
		Failed:         atomic.LoadInt64(&s.Failed),
		BatchesRun:     atomic.LoadInt64(&s.BatchesRun),
		BytesBefore:    before,
		BytesAfter:     after,
		BytesSaved:     before - after,
		Uptime:         time.Since(s.StartTime).Round(time.Second).String(),
		Formats:        formats,
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Recompressor Statistics Summary:

Assets:
		Attempted: %d
		Compressed: %d
		Kept Original: %d
		Already Optimal: %d
		Skipped: %d
		Failed: %d

Space:
		Before: %s
		After: %s
		Saved: %s

Runtime:
		Batches: %d
		Uptime: %s`,
		snap.Attempted,
		snap.Compressed,
		snap.KeptOriginal,
		snap.AlreadyOptimal,
		snap.Skipped,
		snap.Failed,
		FormatBytes(snap.BytesBefore),
		FormatBytes(snap.BytesAfter),
		FormatBytes(snap.BytesSaved),
		snap.BatchesRun,
		snap.Uptime)
}

// GetFormatBreakdown returns a formatted breakdown of formats processed.
func (s *Statistics) GetFormatBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FormatStats) == 0 {
		return "No format statistics available"
	}

	names := make([]string, 0, len(s.FormatStats))
	for name := range s.FormatStats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Format Breakdown:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, s.FormatStats[name])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	switch {
	case bytes == 1:
		return "1 byte"
	case bytes < unit:
		return fmt.Sprintf("%d bytes", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 2; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMG"[exp])
}
