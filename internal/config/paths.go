package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names under the install dir. These are external contract:
// operators and health checks reference them directly.
const (
	queueDirName      = "queue"
	pendingQueueName  = "pending_queue.jsonl"
	deadLetterName    = "retry_queue_dlq.jsonl"
	lockFileName      = "backfill.lock"
	logsDirName       = "logs"
	activityLogName   = "activity.log"
	auditLogName      = "injection-log.jsonl"
	classifyQueueName = "classify"
	traceDirName      = "traces"
)

// ResolvedInstallDir returns the install dir with ~ expanded.
func (c *Config) ResolvedInstallDir() string {
	return ExpandHome(c.InstallDir)
}

// QueueDir returns the directory holding the retry queue files.
func (c *Config) QueueDir() string {
	return filepath.Join(c.ResolvedInstallDir(), queueDirName)
}

// PendingQueueFile returns the retry queue JSONL path.
func (c *Config) PendingQueueFile() string {
	return filepath.Join(c.QueueDir(), pendingQueueName)
}

// DeadLetterFile returns the dead-letter JSONL path.
func (c *Config) DeadLetterFile() string {
	return filepath.Join(c.QueueDir(), deadLetterName)
}

// LockFile returns the advisory lock path serializing queue processing.
func (c *Config) LockFile() string {
	return filepath.Join(c.ResolvedInstallDir(), lockFileName)
}

// LogsDir returns the log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ResolvedInstallDir(), logsDirName)
}

// ActivityLogFile returns the human-readable activity log path.
func (c *Config) ActivityLogFile() string {
	return filepath.Join(c.LogsDir(), activityLogName)
}

// AuditLogFile returns the injection audit JSONL path.
func (c *Config) AuditLogFile() string {
	if dir := os.Getenv("AUDIT_DIR"); dir != "" {
		return filepath.Join(ExpandHome(dir), logsDirName, auditLogName)
	}
	return filepath.Join(c.LogsDir(), auditLogName)
}

// ClassifyQueueDir returns the classification task directory.
func (c *Config) ClassifyQueueDir() string {
	return filepath.Join(c.QueueDir(), classifyQueueName)
}

// TraceDir returns the span buffer directory drained by the flush daemon.
func (c *Config) TraceDir() string {
	return filepath.Join(c.ResolvedInstallDir(), traceDirName)
}

// HeartbeatFile returns the liveness file for a named daemon.
func (c *Config) HeartbeatFile(daemon string) string {
	return filepath.Join(c.ResolvedInstallDir(), daemon+".heartbeat")
}

// SessionStatePath returns the per-session injection state file. It lives in
// the system temp dir so stale sessions are reaped by the OS.
func SessionStatePath(sessionID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("ai-memory-%s-injection-state.json", sessionID))
}
