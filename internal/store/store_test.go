package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, attemptCap int) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue.db"), attemptCap)
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDedup(t *testing.T) {
	q := openTestQueue(t, 0)

	for i := 0; i < 2; i++ {
		if err := q.Enqueue("b-1", "/ev/b-1/bundle.json", "/ev/b-1/bundle.sig", "service_health", "success"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	n, err := q.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row after duplicate enqueue, got %d", n)
	}
}

func TestNextPendingOrder(t *testing.T) {
	q := openTestQueue(t, 0)

	for _, id := range []string{"b-1", "b-2", "b-3"} {
		if err := q.Enqueue(id, "/ev/"+id+"/bundle.json", "/ev/"+id+"/bundle.sig", "clock_skew", "alert"); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	pending, err := q.NextPending(2)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(pending))
	}
	if pending[0].BundleID != "b-1" || pending[1].BundleID != "b-2" {
		t.Fatalf("wrong order: %s, %s", pending[0].BundleID, pending[1].BundleID)
	}
}

func TestMarkUploadedTerminal(t *testing.T) {
	q := openTestQueue(t, 0)
	q.Enqueue("b-1", "p", "s", "patch_status", "success")

	if err := q.MarkUploaded("b-1"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}

	// Second mark is an error: the row is terminal.
	if err := q.MarkUploaded("b-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double upload, got %v", err)
	}

	pending, _ := q.NextPending(10)
	if len(pending) != 0 {
		t.Fatalf("uploaded row still pending")
	}
}

func TestMarkFailureAccounting(t *testing.T) {
	q := openTestQueue(t, 0)
	q.Enqueue("b-1", "p", "s", "backup_freshness", "failed")

	for i := 0; i < 3; i++ {
		if err := q.MarkFailure("b-1", "connection refused"); err != nil {
			t.Fatalf("MarkFailure %d: %v", i, err)
		}
	}

	rec, err := q.Get("b-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RetryCount != 3 {
		t.Fatalf("expected retry_count=3, got %d", rec.RetryCount)
	}
	if rec.LastError != "connection refused" {
		t.Fatalf("last_error not recorded: %q", rec.LastError)
	}
	if rec.NeedsAttention {
		t.Fatal("needs_attention set with no attempt cap")
	}
}

func TestMarkFailureAttemptCap(t *testing.T) {
	q := openTestQueue(t, 2)
	q.Enqueue("b-1", "p", "s", "backup_freshness", "failed")

	q.MarkFailure("b-1", "timeout")
	q.MarkFailure("b-1", "timeout")

	rec, _ := q.Get("b-1")
	if !rec.NeedsAttention {
		t.Fatal("expected needs_attention after hitting attempt cap")
	}

	// Flagged rows are excluded from automatic retry but not deleted.
	pending, _ := q.NextPending(10)
	if len(pending) != 0 {
		t.Fatalf("flagged row still offered for retry")
	}
	n, _ := q.PendingCount()
	if n != 1 {
		t.Fatalf("flagged row should still count as pending, got %d", n)
	}
}

func TestPrunableNeverReturnsPending(t *testing.T) {
	q := openTestQueue(t, 0)
	q.Enqueue("b-old", "p", "s", "service_health", "success")

	// Backdate far past any retention horizon.
	q.db.Exec(`UPDATE queued_evidence SET created_at = ? WHERE bundle_id = 'b-old'`,
		time.Now().UTC().AddDate(0, 0, -400))

	prunable, err := q.Prunable(30, 1)
	if err != nil {
		t.Fatalf("Prunable: %v", err)
	}
	if len(prunable) != 0 {
		t.Fatal("pending (never uploaded) row offered for pruning")
	}
}

func TestPrunableKeepsLatestSuccessPerCheck(t *testing.T) {
	q := openTestQueue(t, 0)

	ids := []struct {
		id      string
		check   string
		outcome string
		ageDays int
	}{
		{"b-1", "service_health", "success", 100},
		{"b-2", "service_health", "success", 90},
		{"b-3", "service_health", "failed", 80},
		{"b-4", "clock_skew", "alert", 95},
	}
	for _, rec := range ids {
		q.Enqueue(rec.id, "p", "s", rec.check, rec.outcome)
		q.MarkUploaded(rec.id)
		q.db.Exec(`UPDATE queued_evidence SET created_at = ? WHERE bundle_id = ?`,
			time.Now().UTC().AddDate(0, 0, -rec.ageDays), rec.id)
	}

	prunable, err := q.Prunable(30, 1)
	if err != nil {
		t.Fatalf("Prunable: %v", err)
	}

	got := map[string]bool{}
	for _, rec := range prunable {
		got[rec.BundleID] = true
	}

	// b-2 is the latest successful service_health bundle: never pruned.
	if got["b-2"] {
		t.Fatal("latest successful bundle for check kind offered for pruning")
	}
	// b-1 is older success, outside keep_last_n=1: prunable.
	if !got["b-1"] {
		t.Fatal("expected b-1 to be prunable")
	}
	// b-4 is the newest (and only) clock_skew bundle: kept by keep_last_n.
	if got["b-4"] {
		t.Fatal("only bundle of its check kind offered for pruning")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := OpenQueue(path, 0)
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	q.Enqueue("b-1", "p", "s", "encryption_status", "alert")
	q.Close()

	q2, err := OpenQueue(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	pending, err := q2.NextPending(10)
	if err != nil {
		t.Fatalf("NextPending after reopen: %v", err)
	}
	if len(pending) != 1 || pending[0].BundleID != "b-1" {
		t.Fatalf("queue row lost across reopen: %+v", pending)
	}
}

func TestNonceStorePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces.db")

	n, err := OpenNonceStore(path)
	if err != nil {
		t.Fatalf("OpenNonceStore: %v", err)
	}

	seen, err := n.SeenNonce("issuer-a", "n-1")
	if err != nil {
		t.Fatalf("SeenNonce: %v", err)
	}
	if seen {
		t.Fatal("fresh nonce reported as seen")
	}

	if err := n.RecordNonce("issuer-a", "n-1"); err != nil {
		t.Fatalf("RecordNonce: %v", err)
	}
	n.Close()

	// Replay protection must survive a restart.
	n2, err := OpenNonceStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer n2.Close()

	seen, err = n2.SeenNonce("issuer-a", "n-1")
	if err != nil {
		t.Fatalf("SeenNonce after reopen: %v", err)
	}
	if !seen {
		t.Fatal("nonce lost across restart")
	}

	// Same nonce under a different issuer is distinct.
	seen, _ = n2.SeenNonce("issuer-b", "n-1")
	if seen {
		t.Fatal("nonce namespace not keyed by issuer")
	}
}
