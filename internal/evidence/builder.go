package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/compliance-agent/internal/canonical"
	"github.com/osiriscare/compliance-agent/internal/healer"
	"github.com/osiriscare/compliance-agent/internal/sign"
	"github.com/osiriscare/compliance-agent/internal/store"
)

// Identity is the site identity stamped onto every bundle.
type Identity struct {
	SiteID         string
	HostID         string
	DeploymentMode string
	ResellerID     string
}

// Builder signs, chains, and persists bundles, then hands them to the
// offline queue. Persistence is synchronous with the event that
// produced the bundle; nothing is held only in memory across cycles.
type Builder struct {
	signer        *sign.Signer
	queue         *store.Queue
	root          string
	identity      Identity
	policyVersion string

	mu       sync.Mutex
	lastHash string

	now func() time.Time
}

// NewBuilder opens the evidence root and restores the chain head from
// the previous run. A missing chain head starts a new chain at the
// all-zero hash.
func NewBuilder(root string, signer *sign.Signer, queue *store.Queue, identity Identity, policyVersion string) (*Builder, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create evidence root: %w", err)
	}

	b := &Builder{
		signer:        signer,
		queue:         queue,
		root:          root,
		identity:      identity,
		policyVersion: policyVersion,
		lastHash:      ChainZero,
		now:           time.Now,
	}

	head, err := os.ReadFile(b.chainHeadPath())
	switch {
	case err == nil:
		h := strings.TrimSpace(string(head))
		if len(h) == 64 {
			b.lastHash = h
		} else {
			log.Printf("[evidence] Ignoring malformed chain head, restarting chain")
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	return b, nil
}

func (b *Builder) chainHeadPath() string {
	return filepath.Join(b.root, "chain_head")
}

// Emit assigns identity and chain position, signs the bundle, writes
// it atomically under <root>/YYYY/MM/DD/<bundle_id>/, and enqueues it
// for upload. The returned error is fatal-class for the cycle: an
// unpersisted bundle must never be reported upstream.
func (b *Builder) Emit(bundle *Bundle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bundle.BundleID == "" {
		bundle.BundleID = uuid.NewString()
	}
	bundle.SiteID = b.identity.SiteID
	bundle.HostID = b.identity.HostID
	bundle.DeploymentMode = b.identity.DeploymentMode
	bundle.ResellerID = b.identity.ResellerID
	bundle.PolicyVersion = b.policyVersion
	bundle.PreviousBundleHash = b.lastHash

	if bundle.TimestampStart.IsZero() {
		bundle.TimestampStart = b.now().UTC()
	}
	if bundle.TimestampEnd.IsZero() {
		bundle.TimestampEnd = b.now().UTC()
	}
	if bundle.ActionTaken == nil {
		bundle.ActionTaken = []healer.StepResult{}
	}

	if err := bundle.validate(); err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}

	payload, err := canonical.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("canonicalize bundle: %w", err)
	}
	sig := b.signer.Sign(payload)

	day := bundle.TimestampEnd.UTC()
	dir := filepath.Join(b.root,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", day.Month()),
		fmt.Sprintf("%02d", day.Day()),
		bundle.BundleID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	bundlePath := filepath.Join(dir, "bundle.json")
	sigPath := filepath.Join(dir, "bundle.sig")
	if err := writeAtomic(bundlePath, payload, 0o600); err != nil {
		return fmt.Errorf("persist bundle: %w", err)
	}
	if err := writeAtomic(sigPath, sig, 0o600); err != nil {
		return fmt.Errorf("persist signature: %w", err)
	}

	sum := sha256.Sum256(payload)
	newHead := hex.EncodeToString(sum[:])
	if err := writeAtomic(b.chainHeadPath(), []byte(newHead+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist chain head: %w", err)
	}
	b.lastHash = newHead

	if err := b.queue.Enqueue(bundle.BundleID, bundlePath, sigPath, bundle.Check, bundle.Outcome); err != nil {
		return fmt.Errorf("enqueue bundle: %w", err)
	}

	log.Printf("[evidence] Emitted %s check=%s outcome=%s", bundle.BundleID, bundle.Check, bundle.Outcome)
	return nil
}

// ChainHead returns the content hash of the most recently persisted
// bundle.
func (b *Builder) ChainHead() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHash
}

// writeAtomic writes via temp file + rename so a partial file is
// never observable.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
