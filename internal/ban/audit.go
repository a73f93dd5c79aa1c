package ban

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLog is the append-only ban audit trail. One line per set
// transition:
//
//	<timestamp> <ip> <level> <duration> <add|remove>
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog creates the audit log at path, creating parent directories.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one transition line. The file is opened per call with
// O_APPEND so a concurrent tail never sees a torn line.
func (a *AuditLog) Append(ts time.Time, ip string, level int, duration time.Duration, action string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s %d %s %s\n",
		ts.UTC().Format(time.RFC3339), ip, level, duration, action)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}
