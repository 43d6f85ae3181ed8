package engine

import (
	"context"
	"fmt"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
	"github.com/Chumpton/world-of-ideas-sub001/internal/gateway"
)

func voteValue(direction string) int {
	switch gateway.Direction(direction) {
	case gateway.DirectionUp:
		return 1
	case gateway.DirectionDown:
		return -1
	}
	return 0
}

type voteSnapshot struct {
	key   string
	index int
	votes int
}

// Vote applies the actor's 3-state toggle on an entity: voting the same
// direction again clears the vote, voting the opposite direction flips it.
// The aggregate is adjusted optimistically, then overwritten with the
// server's canonical count on success. On any failure the exact prior state
// is restored and the error returned; a vote is never retried automatically,
// because replaying a toggle could undo it.
func (e *Engine) Vote(ctx context.Context, kind entity.Kind, parentID, entityID string, direction gateway.Direction) (gateway.VoteResult, error) {
	if e.opts.ActorID == "" {
		return gateway.VoteResult{}, fmt.Errorf("%w: no actor configured", gateway.ErrUnauthorized)
	}
	if entity.IsTempID(entityID) {
		return gateway.VoteResult{}, fmt.Errorf("%w: entity is not yet synced", gateway.ErrValidation)
	}
	if direction != gateway.DirectionUp && direction != gateway.DirectionDown {
		return gateway.VoteResult{}, fmt.Errorf("%w: unknown vote direction %q", gateway.ErrValidation, direction)
	}

	key := CollectionKey(kind, parentID)

	var (
		prevVote  string
		snapshots []voteSnapshot
	)

	mutate := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.ensureCollectionLocked(key)

		prevVote = e.myVotes[entityID]
		next := string(direction)
		if prevVote == next {
			next = ""
		}
		delta := voteValue(next) - voteValue(prevVote)

		snapshots = snapshots[:0]
		for i := range e.collections[key] {
			if e.collections[key][i].ID != entityID {
				continue
			}
			snapshots = append(snapshots, voteSnapshot{key: key, index: i, votes: e.collections[key][i].Votes})
			e.collections[key][i].Votes += delta
		}
		if next == "" {
			delete(e.myVotes, entityID)
		} else {
			e.myVotes[entityID] = next
		}
		e.persistVotesLocked()
		e.persistCollectionLocked(key)
	}

	rollback := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, snap := range snapshots {
			if snap.index < len(e.collections[snap.key]) && e.collections[snap.key][snap.index].ID == entityID {
				e.collections[snap.key][snap.index].Votes = snap.votes
			}
		}
		if prevVote == "" {
			delete(e.myVotes, entityID)
		} else {
			e.myVotes[entityID] = prevVote
		}
		e.persistVotesLocked()
		e.persistCollectionLocked(key)
	}

	var result gateway.VoteResult
	err := e.applyOptimistic(ctx, mutate,
		func(cctx context.Context) error {
			var verr error
			result, verr = e.gw.SetVote(cctx, kind, entityID, e.opts.ActorID, direction)
			return verr
		},
		rollback)
	if err != nil {
		e.log.Warn().Err(err).Str("entity_id", entityID).Msg("vote failed, rolled back")
		return gateway.VoteResult{}, err
	}

	// The server's aggregate is canonical; the optimistic delta was a guess.
	e.mu.Lock()
	for i := range e.collections[key] {
		if e.collections[key][i].ID == entityID {
			e.collections[key][i].Votes = result.NetVotes
		}
	}
	if result.MyVote == "" {
		delete(e.myVotes, entityID)
	} else {
		e.myVotes[entityID] = string(result.MyVote)
	}
	e.persistVotesLocked()
	e.persistCollectionLocked(key)
	e.mu.Unlock()

	e.refreshReputation()
	return result, nil
}

// refreshReputation recomputes the actor's derived reputation in the
// background. Best effort: the next successful call catches up any miss.
func (e *Engine) refreshReputation() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		defer cancel()
		value, err := e.gw.Recompute(ctx, e.opts.ActorID)
		if err != nil {
			e.log.Debug().Err(err).Msg("recompute reputation")
			return
		}
		e.mu.Lock()
		e.reputation = value
		if err := e.store.SaveReputation(e.opts.ActorID, value); err != nil {
			e.log.Error().Err(err).Msg("persist reputation")
		}
		e.mu.Unlock()
		if e.cache != nil {
			if err := e.cache.SetReputation(ctx, e.opts.ActorID, value); err != nil {
				e.log.Debug().Err(err).Msg("cache reputation")
			}
		}
	}()
}
