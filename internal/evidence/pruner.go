package evidence

import (
	"log"
	"os"
	"path/filepath"

	"github.com/osiriscare/compliance-agent/internal/store"
)

// Pruner removes uploaded bundles past the retention horizon. Row
// eligibility is decided by the queue (strictest of the day-based and
// count-based knobs; never a pending row, never the latest successful
// bundle per check kind); the pruner only deletes files and rows.
type Pruner struct {
	queue         *store.Queue
	retentionDays int
	keepLastN     int
}

// NewPruner builds a pruner over the queue.
func NewPruner(queue *store.Queue, retentionDays, keepLastN int) *Pruner {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	if keepLastN <= 0 {
		keepLastN = 10
	}
	return &Pruner{queue: queue, retentionDays: retentionDays, keepLastN: keepLastN}
}

// Prune deletes eligible bundle directories and their queue rows.
// Returns the number of bundles removed.
func (p *Pruner) Prune() (int, error) {
	rows, err := p.queue.Prunable(p.retentionDays, p.keepLastN)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range rows {
		// The bundle directory holds bundle.json and bundle.sig.
		dir := filepath.Dir(rec.BundlePath)
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[evidence] Prune: cannot remove %s: %v", dir, err)
			continue
		}
		if err := p.queue.Delete(rec.BundleID); err != nil {
			log.Printf("[evidence] Prune: cannot delete row %s: %v", rec.BundleID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[evidence] Pruned %d bundles (retention=%dd keep_last=%d)",
			removed, p.retentionDays, p.keepLastN)
	}
	return removed, nil
}
