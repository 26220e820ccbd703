// Package store provides the agent's durable local state: the offline
// evidence queue and the single-use nonce set. Both are SQLite
// databases in WAL mode so rows survive host crashes and coordinator
// outages without losing bundles or admitting replays.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a bundle_id has no queue row.
var ErrNotFound = errors.New("bundle not in queue")

// QueuedEvidence is one queue row. A row is pending until UploadedAt is
// set; retry_count only ever grows.
type QueuedEvidence struct {
	BundleID       string
	BundlePath     string
	SignaturePath  string
	CheckName      string
	Outcome        string
	CreatedAt      time.Time
	RetryCount     int
	LastError      string
	UploadedAt     *time.Time
	NeedsAttention bool
}

// Queue is the durable evidence upload queue. It is the single source
// of truth for whether a bundle has been uploaded.
type Queue struct {
	db         *sql.DB
	mu         sync.Mutex
	attemptCap int
}

// OpenQueue opens (or creates) the queue database at path. attemptCap
// is the retry count past which a row is flagged for operator
// attention and excluded from automatic retry; <=0 means retry forever.
func OpenQueue(path string, attemptCap int) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// Single writer inside the agent; serialize at the pool level too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_evidence (
			bundle_id       TEXT PRIMARY KEY,
			bundle_path     TEXT NOT NULL,
			signature_path  TEXT NOT NULL,
			check_name      TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			uploaded_at     TIMESTAMP,
			needs_attention INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queue_pending
		ON queued_evidence(created_at) WHERE uploaded_at IS NULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue index: %w", err)
	}

	return &Queue{db: db, attemptCap: attemptCap}, nil
}

// Enqueue inserts a pending row for the bundle. Duplicate bundle_ids
// are ignored, making enqueue idempotent.
func (q *Queue) Enqueue(bundleID, bundlePath, sigPath, checkName, outcome string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
		INSERT INTO queued_evidence
			(bundle_id, bundle_path, signature_path, check_name, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bundle_id) DO NOTHING`,
		bundleID, bundlePath, sigPath, checkName, outcome, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", bundleID, err)
	}
	return nil
}

// NextPending returns the oldest unuploaded rows, oldest first, up to
// limit. Rows flagged for operator attention are excluded.
func (q *Queue) NextPending(limit int) ([]QueuedEvidence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT bundle_id, bundle_path, signature_path, check_name, outcome,
		       created_at, retry_count, last_error, uploaded_at, needs_attention
		FROM queued_evidence
		WHERE uploaded_at IS NULL AND needs_attention = 0
		ORDER BY created_at ASC, bundle_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvidence
	for rows.Next() {
		var rec QueuedEvidence
		var attention int
		if err := rows.Scan(&rec.BundleID, &rec.BundlePath, &rec.SignaturePath,
			&rec.CheckName, &rec.Outcome, &rec.CreatedAt, &rec.RetryCount,
			&rec.LastError, &rec.UploadedAt, &attention); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		rec.NeedsAttention = attention != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkUploaded records a successful upload. Terminal.
func (q *Queue) MarkUploaded(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		UPDATE queued_evidence SET uploaded_at = ?
		WHERE bundle_id = ? AND uploaded_at IS NULL`,
		time.Now().UTC(), bundleID)
	if err != nil {
		return fmt.Errorf("mark uploaded %s: %w", bundleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, bundleID)
	}
	return nil
}

// MarkFailure increments retry accounting for a failed upload. Past
// the attempt cap the row is flagged needs_attention; the underlying
// bundle files are never touched.
func (q *Queue) MarkFailure(bundleID, uploadErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		UPDATE queued_evidence
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    needs_attention = CASE WHEN ? > 0 AND retry_count + 1 >= ? THEN 1 ELSE needs_attention END
		WHERE bundle_id = ? AND uploaded_at IS NULL`,
		uploadErr, q.attemptCap, q.attemptCap, bundleID)
	if err != nil {
		return fmt.Errorf("mark failure %s: %w", bundleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, bundleID)
	}
	return nil
}

// Get returns a single queue row.
func (q *Queue) Get(bundleID string) (*QueuedEvidence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rec QueuedEvidence
	var attention int
	err := q.db.QueryRow(`
		SELECT bundle_id, bundle_path, signature_path, check_name, outcome,
		       created_at, retry_count, last_error, uploaded_at, needs_attention
		FROM queued_evidence WHERE bundle_id = ?`, bundleID).
		Scan(&rec.BundleID, &rec.BundlePath, &rec.SignaturePath,
			&rec.CheckName, &rec.Outcome, &rec.CreatedAt, &rec.RetryCount,
			&rec.LastError, &rec.UploadedAt, &attention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bundleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", bundleID, err)
	}
	rec.NeedsAttention = attention != 0
	return &rec, nil
}

// PendingCount returns the number of rows awaiting upload.
func (q *Queue) PendingCount() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queued_evidence WHERE uploaded_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Prunable returns uploaded rows eligible for deletion under the
// strictest-of-both-knobs retention policy: older than retentionDays,
// outside the newest keepLastN per check kind, and never the most
// recent successful bundle for a check kind. Non-uploaded rows are
// never eligible.
func (q *Queue) Prunable(retentionDays, keepLastN int) ([]QueuedEvidence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	rows, err := q.db.Query(`
		SELECT bundle_id, bundle_path, signature_path, check_name, outcome, created_at
		FROM queued_evidence
		WHERE uploaded_at IS NOT NULL
		  AND created_at < ?
		  AND bundle_id NOT IN (
			SELECT bundle_id FROM queued_evidence AS newest
			WHERE newest.check_name = queued_evidence.check_name
			  AND newest.uploaded_at IS NOT NULL
			ORDER BY newest.created_at DESC LIMIT ?
		  )
		  AND bundle_id NOT IN (
			SELECT bundle_id FROM queued_evidence AS latest
			WHERE latest.check_name = queued_evidence.check_name
			  AND latest.outcome = 'success'
			  AND latest.uploaded_at IS NOT NULL
			ORDER BY latest.created_at DESC LIMIT 1
		  )
		ORDER BY created_at ASC`, cutoff, keepLastN)
	if err != nil {
		return nil, fmt.Errorf("query prunable: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvidence
	for rows.Next() {
		var rec QueuedEvidence
		if err := rows.Scan(&rec.BundleID, &rec.BundlePath, &rec.SignaturePath,
			&rec.CheckName, &rec.Outcome, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prunable row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a queue row. Only the pruner calls this, and only for
// rows returned by Prunable.
func (q *Queue) Delete(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`DELETE FROM queued_evidence WHERE bundle_id = ?`, bundleID); err != nil {
		return fmt.Errorf("delete %s: %w", bundleID, err)
	}
	return nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
