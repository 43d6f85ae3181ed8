package engine

import (
	"time"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
)

// emptyStreakThreshold is how many consecutive empty, error-free snapshots a
// populated collection must see before the local committed entities are
// dropped. A single empty response can be a transient server-side glitch.
const emptyStreakThreshold = 2

// mergeSnapshot folds a fresh server snapshot into the locally known
// collection. Server rows are authoritative for committed content. Local
// temporary entities are collapsed onto a fingerprint-matching server row
// when their write landed, and kept (prepended, newest first) otherwise.
// Local committed entities absent from the snapshot are dropped. Returns the
// merged collection and the temporary ids that collapsed.
func mergeSnapshot(server, local []entity.Entity, window time.Duration) ([]entity.Entity, []string) {
	var (
		kept      []entity.Entity
		collapsed []string
	)
	for _, ent := range local {
		if !entity.IsTempID(ent.ID) {
			continue
		}
		matched := false
		for _, srv := range server {
			if entity.FingerprintMatch(ent, srv, window) {
				matched = true
				break
			}
		}
		if matched {
			collapsed = append(collapsed, ent.ID)
		} else {
			kept = append(kept, ent)
		}
	}
	merged := make([]entity.Entity, 0, len(kept)+len(server))
	merged = append(merged, kept...)
	merged = append(merged, server...)
	return merged, collapsed
}

// applyRefresh reconciles a successful snapshot fetch into local state.
func (e *Engine) applyRefresh(key string, kind entity.Kind, rows []map[string]any) {
	server := make([]entity.Entity, 0, len(rows))
	for _, row := range rows {
		ent := entity.Normalize(kind, row)
		ent.Status = entity.StatusCommitted
		server = append(server, ent)
	}

	e.mu.Lock()
	e.ensureCollectionLocked(key)
	local := e.collections[key]

	if len(server) == 0 && hasCommitted(local) {
		e.emptyStreak[key]++
		if e.emptyStreak[key] < emptyStreakThreshold {
			e.syncedAt[key] = e.clock.Now()
			e.persistCollectionLocked(key)
			e.mu.Unlock()
			e.log.Warn().Str("collection", key).Msg("empty snapshot for populated collection, keeping local data")
			return
		}
		e.log.Info().Str("collection", key).Msg("consecutive empty snapshots, accepting server truth")
	}
	e.emptyStreak[key] = 0

	merged, collapsed := mergeSnapshot(server, local, e.opts.FingerprintWindow)
	e.collections[key] = merged
	e.syncedAt[key] = e.clock.Now()
	e.persistCollectionLocked(key)
	e.mu.Unlock()

	for _, temporaryID := range collapsed {
		if err := e.ledger.Dequeue(temporaryID); err != nil {
			e.log.Error().Err(err).Str("temp_id", temporaryID).Msg("dequeue collapsed write")
		} else {
			e.log.Info().Str("temp_id", temporaryID).Msg("pending write confirmed by refresh")
		}
	}
}

func hasCommitted(entities []entity.Entity) bool {
	for _, ent := range entities {
		if ent.Status == entity.StatusCommitted {
			return true
		}
	}
	return false
}
