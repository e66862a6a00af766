// Package logfields provides canonical log field names and helpers for structured logging in ralphd.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// These are used for structured logging with slog.
const (
	KeyTaskPath    = "task_path"
	KeyRepo        = "repo"
	KeyIssueRef    = "issue_ref"
	KeyStatus      = "status"
	KeyStage       = "stage"
	KeyCheckpoint  = "checkpoint"
	KeyWorkerID    = "worker_id"
	KeySessionID   = "session_id"
	KeyDaemonID    = "daemon_id"
	KeyFingerprint = "fingerprint"
	KeyAttempt     = "attempt"
	KeyDurationMS  = "duration_ms"
	KeyPath        = "path"
	KeyFile        = "file"
	KeyError       = "error"
	KeyMode        = "mode"
	KeyReason      = "reason"
	KeyLeaseKey    = "lease_key"
	KeyBranch      = "branch"
	KeyPRURL       = "pr_url"
	KeyMethod      = "method"
	KeyRemoteAddr  = "remote_addr"
	KeyRequestID   = "request_id"
	KeyURL         = "url"
	KeyName        = "name"
)

// TaskPath returns a slog.Attr for the task path field.
//
// The following helpers return slog.Attr for common log fields, allowing composable structured logging.

func TaskPath(p string) slog.Attr       { return slog.String(KeyTaskPath, p) }       // TaskPath returns a slog.Attr for task path.
func Repo(r string) slog.Attr           { return slog.String(KeyRepo, r) }           // Repo returns a slog.Attr for repo full name.
func IssueRef(r string) slog.Attr       { return slog.String(KeyIssueRef, r) }       // IssueRef returns a slog.Attr for owner/name#N.
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }         // Status returns a slog.Attr for task status.
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }       // Stage returns a slog.Attr for pipeline stage name.
func Checkpoint(c string) slog.Attr     { return slog.String(KeyCheckpoint, c) }     // Checkpoint returns a slog.Attr for pipeline checkpoint.
func WorkerID(id string) slog.Attr      { return slog.String(KeyWorkerID, id) }      // WorkerID returns a slog.Attr for the repo worker id.
func SessionID(id string) slog.Attr     { return slog.String(KeySessionID, id) }     // SessionID returns a slog.Attr for agent session id.
func DaemonID(id string) slog.Attr      { return slog.String(KeyDaemonID, id) }      // DaemonID returns a slog.Attr for daemon registry id.
func Fingerprint(f string) slog.Attr    { return slog.String(KeyFingerprint, f) }    // Fingerprint returns a slog.Attr for circuit breaker fingerprint.
func Attempt(n int) slog.Attr           { return slog.Int(KeyAttempt, n) }           // Attempt returns a slog.Attr for a retry/attempt counter.
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }   // DurationMS returns a slog.Attr for duration in ms.
func Mode(m string) slog.Attr           { return slog.String(KeyMode, m) }           // Mode returns a slog.Attr for control-plane mode.
func Reason(r string) slog.Attr         { return slog.String(KeyReason, r) }         // Reason returns a slog.Attr for a failure/blocked reason.
func LeaseKey(k string) slog.Attr       { return slog.String(KeyLeaseKey, k) }       // LeaseKey returns a slog.Attr for a lease scope key.
func Branch(b string) slog.Attr         { return slog.String(KeyBranch, b) }         // Branch returns a slog.Attr for a branch name.
func PRURL(u string) slog.Attr          { return slog.String(KeyPRURL, u) }          // PRURL returns a slog.Attr for a pull request URL.

// Path returns a slog.Attr for a file path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// File returns a slog.Attr for a file name.
func File(f string) slog.Attr { return slog.String(KeyFile, f) }

// Method returns a slog.Attr for an HTTP method.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// RemoteAddr returns a slog.Attr for a remote address.
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }

// RequestID returns a slog.Attr for a request ID.
func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }

// URL returns a slog.Attr for a URL field.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// Name returns a slog.Attr for a generic name field.
func Name(n string) slog.Attr { return slog.String(KeyName, n) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
