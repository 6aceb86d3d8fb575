package versioning

import (
	"context"

	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/trigger"
)

// Reasons a write is not versioned. Used as metric labels.
const (
	skipSystem      = "system"
	skipHistorical  = "historical"
	skipInactive    = "inactive"
	skipNoConfig    = "no_config"
	skipBadConfig   = "bad_config"
	skipExcluded    = "excluded"
	skipNotExplicit = "not_explicit"
)

// resolve returns the policy that applies to a write of name, or a skip
// reason when the write must not be versioned. A configuration that cannot be
// read is treated as absent.
func (t *Trigger) resolve(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata) (*metadata.VersioningConfiguration, string) {
	if metadata.IsSystemName(name) {
		return nil, skipSystem
	}
	if IsHistorical(md) {
		return nil, skipHistorical
	}
	if !t.storage.IsVersioningActive() {
		return nil, skipInactive
	}

	cfg, err := t.storage.VersioningConfiguration(ctx, name)
	if err != nil {
		t.logger.Warn("versioning configuration unreadable, skipping",
			"op", op.ID, "name", name, "error", err)
		return nil, skipBadConfig
	}
	if cfg == nil {
		return nil, skipNoConfig
	}
	if cfg.Exclude {
		return nil, skipExcluded
	}
	if cfg.ExcludeUnlessExplicit {
		if _, explicit := op.Get(stateCreateVersion); !explicit {
			return nil, skipNotExplicit
		}
	}
	return cfg, ""
}
