package versioning

import (
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/trigger"
)

// prune schedules deletion of the single revision that falls out of the
// retention window when revision current is written. Numbering has no gaps,
// so one deletion per write keeps the window bounded.
func (t *Trigger) prune(op *trigger.Operation, name string, current int64, cfg *metadata.VersioningConfiguration) {
	if cfg.MaxRevisions <= 0 {
		return
	}
	cutoff := current - int64(cfg.MaxRevisions)
	if cutoff <= 0 {
		return
	}
	victim := RevisionName(name, cutoff)
	t.storage.ScheduleDeletion(op, victim)
	metrics.RevisionsPrunedTotal.Inc()
	t.logger.Debug("revision scheduled for deletion", "op", op.ID, "name", victim, "revision", cutoff)
}
