package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    interface{}
	}{
		{"TaskPath", KeyTaskPath, "repo-issue-1", TaskPath("repo-issue-1")},
		{"Repo", KeyRepo, "acme/widgets", Repo("acme/widgets")},
		{"IssueRef", KeyIssueRef, "acme/widgets#42", IssueRef("acme/widgets#42")},
		{"Status", KeyStatus, "queued", Status("queued")},
		{"Stage", KeyStage, "plan", Stage("plan")},
		{"Checkpoint", KeyCheckpoint, "planned", Checkpoint("planned")},
		{"WorkerID", KeyWorkerID, "w1", WorkerID("w1")},
		{"SessionID", KeySessionID, "sess1", SessionID("sess1")},
		{"DaemonID", KeyDaemonID, "d1", DaemonID("d1")},
		{"Fingerprint", KeyFingerprint, "fp1", Fingerprint("fp1")},
		{"Mode", KeyMode, "draining", Mode("draining")},
		{"Reason", KeyReason, "dirty-repo", Reason("dirty-repo")},
		{"LeaseKey", KeyLeaseKey, "pr-create", LeaseKey("pr-create")},
		{"Branch", KeyBranch, "main", Branch("main")},
		{"PRURL", KeyPRURL, "http://example/pr/1", PRURL("http://example/pr/1")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"File", KeyFile, "file.md", File("file.md")},
		{"Method", KeyMethod, "GET", Method("GET")},
		{"RemoteAddr", KeyRemoteAddr, "1.2.3.4", RemoteAddr("1.2.3.4")},
		{"RequestID", KeyRequestID, "rid", RequestID("rid")},
		{"Name", KeyName, "n", Name("n")},
		{"URL", KeyURL, "http://example", URL("http://example")},
	}

	for _, tc := range cases {
		a := tc.attr.(slog.Attr)
		if a.Key != tc.attrKey {
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, a.Key)
		}
		if got := a.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Attempt(5); v.Key != KeyAttempt {
		t.Fatalf("Attempt key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
