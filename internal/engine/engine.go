// Package engine implements the local-first synchronization core: optimistic
// creates with temporary ids, a durable pending-write ledger with retry, vote
// toggling with exact rollback, and server-truth reconciliation on refresh.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Chumpton/world-of-ideas-sub001/internal/cache"
	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
	"github.com/Chumpton/world-of-ideas-sub001/internal/gateway"
	"github.com/Chumpton/world-of-ideas-sub001/internal/ledger"
	"github.com/Chumpton/world-of-ideas-sub001/internal/localstore"
)

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	ActorID   string
	ActorName string

	RequestTimeout     time.Duration
	CacheMaxAge        time.Duration
	FingerprintWindow  time.Duration
	MinRefreshInterval time.Duration
	SweepInterval      time.Duration
	HeartbeatInterval  time.Duration

	Logger zerolog.Logger
	Clock  ledger.Clock
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = 15 * time.Minute
	}
	if o.FingerprintWindow <= 0 {
		o.FingerprintWindow = 10 * time.Minute
	}
	if o.MinRefreshInterval <= 0 {
		o.MinRefreshInterval = 10 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = ledger.SystemClock()
	}
	return o
}

var collectionKeys = map[entity.Kind]string{
	entity.KindIdea:       "ideas",
	entity.KindDiscussion: "discussions",
	entity.KindGuideEntry: "guide_entries",
	entity.KindProfile:    "profiles",
}

// CollectionKey names the local collection a kind belongs to. Comments are
// partitioned by their parent entity.
func CollectionKey(kind entity.Kind, parentID string) string {
	if kind == entity.KindComment {
		return "comments/" + parentID
	}
	return collectionKeys[kind]
}

// Engine is the synchronization core. All exported methods are safe for
// concurrent use.
type Engine struct {
	gw     gateway.Gateway
	store  *localstore.Store
	ledger *ledger.Ledger
	cache  *cache.RedisCache // nil when no shared cache is configured
	log    zerolog.Logger
	clock  ledger.Clock
	opts   Options

	mu          sync.Mutex
	collections map[string][]entity.Entity
	syncedAt    map[string]time.Time
	loaded      map[string]bool
	emptyStreak map[string]int
	myVotes     map[string]string
	following   map[string]bool
	reputation  int
	inflight    map[string]bool

	refreshGroup singleflight.Group
	limitersMu   sync.Mutex
	limiters     map[string]*rate.Limiter

	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an engine on a remote gateway and a durable local store,
// reloading cached collections, the actor's vote memberships, and the
// pending-write ledger from a previous session.
func New(gw gateway.Gateway, store *localstore.Store, led *ledger.Ledger, shared *cache.RedisCache, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		gw:          gw,
		store:       store,
		ledger:      led,
		cache:       shared,
		log:         opts.Logger,
		clock:       opts.Clock,
		opts:        opts,
		collections: map[string][]entity.Entity{},
		syncedAt:    map[string]time.Time{},
		loaded:      map[string]bool{},
		emptyStreak: map[string]int{},
		inflight:    map[string]bool{},
		limiters:    map[string]*rate.Limiter{},
		ctx:         ctx,
		cancel:      cancel,
	}

	votes, err := store.LoadVotes(opts.ActorID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load votes: %w", err)
	}
	e.myVotes = votes

	following, err := store.LoadFollowing(opts.ActorID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load following: %w", err)
	}
	e.following = following

	e.reputation, err = store.LoadReputation(opts.ActorID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load reputation: %w", err)
	}

	if err := e.rehydrate(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// rehydrate reloads ledger records left over from a previous session and
// re-injects their entities into the cached collections, so unsynced work is
// visible immediately after a restart.
func (e *Engine) rehydrate() error {
	records, err := e.ledger.Rehydrate()
	if err != nil {
		return fmt.Errorf("rehydrate ledger: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		e.ensureCollectionLocked(rec.CollectionKey)
		if e.findLocked(rec.CollectionKey, rec.TemporaryID) >= 0 {
			continue
		}
		ent := entity.Normalize(rec.Kind, rec.Payload)
		ent.ID = rec.TemporaryID
		ent.Status = entity.StatusPending
		if rec.Status == ledger.StatusFailed {
			ent.Status = entity.StatusFailed
		}
		e.collections[rec.CollectionKey] = append([]entity.Entity{ent}, e.collections[rec.CollectionKey]...)
		e.persistCollectionLocked(rec.CollectionKey)
	}
	return nil
}

// Start launches the background heartbeat and retry sweep, and immediately
// resumes any rehydrated pending writes.
func (e *Engine) Start() {
	e.sweep()
	e.bg.Add(2)
	go e.heartbeatLoop()
	go e.sweepLoop()
}

// Close stops background work and waits for in-flight commits to settle.
func (e *Engine) Close() error {
	e.cancel()
	e.bg.Wait()
	return nil
}

// SubmitIdea optimistically creates an idea. The returned entity carries a
// temporary id and pending status; commit happens in the background.
func (e *Engine) SubmitIdea(ctx context.Context, title, body string, tags []string) (entity.Entity, error) {
	return e.create(ctx, entity.KindIdea, "", entity.Entity{Title: title, Body: body, Tags: tags})
}

// PostDiscussion optimistically creates a discussion thread.
func (e *Engine) PostDiscussion(ctx context.Context, title, body string, tags []string) (entity.Entity, error) {
	return e.create(ctx, entity.KindDiscussion, "", entity.Entity{Title: title, Body: body, Tags: tags})
}

// PostComment optimistically attaches a comment to a parent entity.
func (e *Engine) PostComment(ctx context.Context, parentID, body string) (entity.Entity, error) {
	if parentID == "" {
		return entity.Entity{}, fmt.Errorf("%w: comment parent is required", gateway.ErrValidation)
	}
	if entity.IsTempID(parentID) {
		return entity.Entity{}, fmt.Errorf("%w: parent is not yet synced", gateway.ErrValidation)
	}
	return e.create(ctx, entity.KindComment, parentID, entity.Entity{Title: "comment", Body: body, ParentID: parentID})
}

// AddGuideEntry optimistically creates a guide entry.
func (e *Engine) AddGuideEntry(ctx context.Context, title, body string, tags []string) (entity.Entity, error) {
	return e.create(ctx, entity.KindGuideEntry, "", entity.Entity{Title: title, Body: body, Tags: tags})
}

func (e *Engine) create(_ context.Context, kind entity.Kind, parentID string, ent entity.Entity) (entity.Entity, error) {
	if e.opts.ActorID == "" {
		return entity.Entity{}, fmt.Errorf("%w: no actor configured", gateway.ErrUnauthorized)
	}
	if ent.Title == "" {
		return entity.Entity{}, fmt.Errorf("%w: title is required", gateway.ErrValidation)
	}
	key := CollectionKey(kind, parentID)

	ent.ID = entity.NewTempID()
	ent.Kind = kind
	ent.AuthorID = e.opts.ActorID
	ent.AuthorName = e.opts.ActorName
	ent.Status = entity.StatusPending
	ent.CreatedAt = e.clock.Now().UTC()
	if ent.Tags == nil {
		ent.Tags = []string{}
	}

	e.mu.Lock()
	e.ensureCollectionLocked(key)
	e.collections[key] = append([]entity.Entity{ent}, e.collections[key]...)
	e.persistCollectionLocked(key)
	e.mu.Unlock()

	payload := ent.Row()
	delete(payload, "id")
	delete(payload, "status")
	delete(payload, "votes")
	if err := e.ledger.Enqueue(ledger.Record{
		TemporaryID:   ent.ID,
		Kind:          kind,
		CollectionKey: key,
		Payload:       payload,
	}); err != nil {
		// without a durable record the entity could never commit; take it
		// back out so every pending entity has exactly one ledger record
		e.mu.Lock()
		if i := e.findLocked(key, ent.ID); i >= 0 {
			e.collections[key] = append(e.collections[key][:i], e.collections[key][i+1:]...)
			e.persistCollectionLocked(key)
		}
		e.mu.Unlock()
		return entity.Entity{}, fmt.Errorf("enqueue pending write: %w", err)
	}

	e.log.Debug().Str("kind", string(kind)).Str("temp_id", ent.ID).Msg("optimistic create")
	e.spawnCommit(ent.ID)
	return ent, nil
}

func (e *Engine) spawnCommit(temporaryID string) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.commit(temporaryID)
	}()
}

// commit pushes one pending write to the server. Only one commit per
// temporary id runs at a time.
func (e *Engine) commit(temporaryID string) {
	e.mu.Lock()
	if e.inflight[temporaryID] {
		e.mu.Unlock()
		return
	}
	e.inflight[temporaryID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, temporaryID)
		e.mu.Unlock()
	}()

	rec, found, err := e.ledger.Get(temporaryID)
	if err != nil {
		e.log.Error().Err(err).Str("temp_id", temporaryID).Msg("load ledger record")
		return
	}
	if !found {
		return
	}
	if err := e.ledger.MarkStatus(temporaryID, ledger.StatusQueued, rec.LastError); err != nil {
		e.log.Error().Err(err).Str("temp_id", temporaryID).Msg("mark queued")
		return
	}

	row, err := e.attemptInsert(rec)
	if err != nil {
		e.handleCommitFailure(rec, err)
		return
	}
	e.adoptCommitted(rec, row)
}

func (e *Engine) attemptInsert(rec ledger.Record) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
	defer cancel()

	// A re-attempt of an indeterminate write checks the server first: the
	// original insert may have landed even though no response arrived.
	if rec.Attempts > 0 {
		if row, ok := e.findCommitted(ctx, rec); ok {
			e.log.Info().Str("temp_id", rec.TemporaryID).Msg("recovered committed write by fingerprint")
			return row, nil
		}
	}

	payload := rec.Payload
	for drift := 0; ; drift++ {
		row, err := e.gw.Insert(ctx, rec.Kind, payload)
		if err == nil {
			return row, nil
		}
		column := gateway.DriftColumn(err)
		if column == "" || drift >= 2 {
			return nil, err
		}
		// Remote schema no longer has this column: strip it and retry the
		// same logical write with the reduced payload.
		next := make(map[string]any, len(payload))
		for k, v := range payload {
			if k != column {
				next[k] = v
			}
		}
		if len(next) == len(payload) {
			return nil, err
		}
		payload = next
		if uerr := e.ledger.UpdatePayload(rec.TemporaryID, next); uerr != nil {
			e.log.Error().Err(uerr).Str("temp_id", rec.TemporaryID).Msg("persist reduced payload")
		}
		e.log.Warn().Str("temp_id", rec.TemporaryID).Str("column", column).Msg("schema drift, retrying without column")
	}
}

// findCommitted looks for a recent server row by the author that matches the
// pending write's content fingerprint.
func (e *Engine) findCommitted(ctx context.Context, rec ledger.Record) (map[string]any, bool) {
	want := entity.Normalize(rec.Kind, rec.Payload)
	since := want.CreatedAt.Add(-e.opts.FingerprintWindow)
	rows, err := e.gw.ListRecentByAuthor(ctx, rec.Kind, e.opts.ActorID, since)
	if err != nil {
		return nil, false
	}
	for _, row := range rows {
		if entity.FingerprintMatch(want, entity.Normalize(rec.Kind, row), e.opts.FingerprintWindow) {
			return row, true
		}
	}
	return nil, false
}

func (e *Engine) adoptCommitted(rec ledger.Record, row map[string]any) {
	committed := entity.Normalize(rec.Kind, row)
	committed.Status = entity.StatusCommitted

	key := rec.CollectionKey
	e.mu.Lock()
	e.ensureCollectionLocked(key)
	if j := e.findLocked(key, committed.ID); j >= 0 {
		// a refresh collapsed this write onto the server row while the
		// insert response was in flight; update in place and drop the temp
		// so the permanent id stays unique in the collection
		e.collections[key][j] = committed
		if i := e.findLocked(key, rec.TemporaryID); i >= 0 {
			e.collections[key] = append(e.collections[key][:i], e.collections[key][i+1:]...)
		}
	} else if i := e.findLocked(key, rec.TemporaryID); i >= 0 {
		e.collections[key][i] = committed
	} else {
		e.collections[key] = append([]entity.Entity{committed}, e.collections[key]...)
	}
	e.persistCollectionLocked(key)
	e.mu.Unlock()

	if err := e.ledger.Dequeue(rec.TemporaryID); err != nil {
		e.log.Error().Err(err).Str("temp_id", rec.TemporaryID).Msg("dequeue committed write")
	}
	e.log.Info().Str("kind", string(rec.Kind)).Str("id", committed.ID).Msg("entity committed")
}

func (e *Engine) handleCommitFailure(rec ledger.Record, err error) {
	switch gateway.Classify(err) {
	case gateway.FailureValidation, gateway.FailureUnauthorized:
		// Definite rejection. Retrying the same payload cannot succeed, so
		// the write parks as failed until the user edits or retries it.
		if merr := e.ledger.MarkStatus(rec.TemporaryID, ledger.StatusFailed, err.Error()); merr != nil {
			e.log.Error().Err(merr).Str("temp_id", rec.TemporaryID).Msg("mark failed")
		}
		e.setEntityStatus(rec.CollectionKey, rec.TemporaryID, entity.StatusFailed)
		e.log.Warn().Err(err).Str("temp_id", rec.TemporaryID).Msg("write rejected")
		return
	case gateway.FailureAborted:
		e.log.Debug().Str("temp_id", rec.TemporaryID).Msg("commit aborted")
	case gateway.FailureTimedOut:
		e.log.Warn().Str("temp_id", rec.TemporaryID).Msg("commit timed out")
	default:
		e.log.Warn().Err(err).Str("temp_id", rec.TemporaryID).Msg("commit failed")
	}

	updated, merr := e.ledger.MarkAttempt(rec.TemporaryID, err)
	if merr != nil {
		e.log.Error().Err(merr).Str("temp_id", rec.TemporaryID).Msg("mark attempt")
		return
	}
	if updated.Status == ledger.StatusFailed {
		e.setEntityStatus(rec.CollectionKey, rec.TemporaryID, entity.StatusFailed)
		e.log.Warn().Str("temp_id", rec.TemporaryID).Int("attempts", updated.Attempts).Msg("retry budget exhausted, deferring to sweep")
		return
	}

	delay := updated.NextAttemptAt.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}
		e.commit(rec.TemporaryID)
	}()
}

// Retry re-queues a parked pending write on user request.
func (e *Engine) Retry(temporaryID string) error {
	rec, found, err := e.ledger.Get(temporaryID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no pending write for %s", temporaryID)
	}
	if err := e.ledger.MarkStatus(temporaryID, ledger.StatusPending, rec.LastError); err != nil {
		return err
	}
	e.setEntityStatus(rec.CollectionKey, temporaryID, entity.StatusPending)
	e.spawnCommit(temporaryID)
	return nil
}

// Follow optimistically records a follow edge; on failure the edge rolls back.
func (e *Engine) Follow(ctx context.Context, profileID string) error {
	return e.setFollow(ctx, profileID, true)
}

// Unfollow removes a follow edge, rolling back on failure.
func (e *Engine) Unfollow(ctx context.Context, profileID string) error {
	return e.setFollow(ctx, profileID, false)
}

func (e *Engine) setFollow(ctx context.Context, profileID string, follow bool) error {
	if entity.IsTempID(profileID) {
		return fmt.Errorf("%w: profile is not yet synced", gateway.ErrValidation)
	}
	var prev, had bool
	return e.applyOptimistic(ctx,
		func() {
			e.mu.Lock()
			prev, had = e.following[profileID]
			if follow {
				e.following[profileID] = true
			} else {
				delete(e.following, profileID)
			}
			e.persistFollowingLocked()
			e.mu.Unlock()
		},
		func(cctx context.Context) error {
			if err := e.gw.SetFollow(cctx, e.opts.ActorID, profileID, follow); err != nil {
				return fmt.Errorf("set follow: %w", err)
			}
			if e.cache != nil {
				if err := e.cache.Invalidate(cctx, profileID); err != nil {
					e.log.Debug().Err(err).Str("profile_id", profileID).Msg("invalidate cached profile")
				}
			}
			return nil
		},
		func() {
			e.mu.Lock()
			if had {
				e.following[profileID] = prev
			} else {
				delete(e.following, profileID)
			}
			e.persistFollowingLocked()
			e.mu.Unlock()
		})
}

// applyOptimistic runs a local mutation immediately, then commits it against
// the server within the request timeout. On any failure the rollback restores
// the exact prior state and the error is returned to the caller.
func (e *Engine) applyOptimistic(ctx context.Context, mutate func(), commit func(context.Context) error, rollback func()) error {
	mutate()
	cctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	if err := commit(cctx); err != nil {
		rollback()
		return err
	}
	return nil
}

// Collection returns the current local view of a collection, newest first,
// pending and failed entities included.
func (e *Engine) Collection(kind entity.Kind, parentID string) []entity.Entity {
	key := CollectionKey(kind, parentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureCollectionLocked(key)
	return append([]entity.Entity(nil), e.collections[key]...)
}

// MyVote returns the actor's current vote on an entity: "up", "down", or "".
func (e *Engine) MyVote(entityID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.myVotes[entityID]
}

// Following reports whether the actor follows a profile.
func (e *Engine) Following(profileID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.following[profileID]
}

// Reputation returns the last known derived reputation for the actor.
func (e *Engine) Reputation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reputation
}

// Profile returns a profile snapshot, preferring the shared cache, then the
// locally synced profiles collection, then a forced refresh.
func (e *Engine) Profile(ctx context.Context, profileID string) (entity.Entity, error) {
	if e.cache != nil {
		if profile, err := e.cache.GetProfile(ctx, profileID); err == nil {
			return profile, nil
		}
	}
	if profile, ok := e.profileLocal(profileID); ok {
		return profile, nil
	}
	if err := e.Refresh(ctx, entity.KindProfile, "", true); err != nil {
		return entity.Entity{}, err
	}
	if profile, ok := e.profileLocal(profileID); ok {
		if e.cache != nil {
			if err := e.cache.PutProfile(ctx, profile); err != nil {
				e.log.Debug().Err(err).Str("profile_id", profileID).Msg("cache profile")
			}
		}
		return profile, nil
	}
	return entity.Entity{}, fmt.Errorf("profile %s not found", profileID)
}

func (e *Engine) profileLocal(profileID string) (entity.Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureCollectionLocked(collectionKeys[entity.KindProfile])
	for _, ent := range e.collections[collectionKeys[entity.KindProfile]] {
		if ent.ID == profileID {
			return ent, true
		}
	}
	return entity.Entity{}, false
}

// Stats is a point-in-time snapshot of sync health.
type Stats struct {
	Pending    int                  `json:"pending"`
	Failed     int                  `json:"failed"`
	Committed  int                  `json:"committed"`
	Reputation int                  `json:"reputation"`
	LastSync   map[string]time.Time `json:"lastSync"`
}

func (e *Engine) Stats() (Stats, error) {
	records, err := e.ledger.All()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{LastSync: map[string]time.Time{}}
	for _, rec := range records {
		if rec.Status == ledger.StatusFailed {
			stats.Failed++
		} else {
			stats.Pending++
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, list := range e.collections {
		for _, ent := range list {
			if ent.Status == entity.StatusCommitted {
				stats.Committed++
			}
		}
		if t, ok := e.syncedAt[key]; ok && !t.IsZero() {
			stats.LastSync[key] = t
		}
	}
	stats.Reputation = e.reputation
	return stats, nil
}

func (e *Engine) ensureCollectionLocked(key string) {
	if e.loaded[key] {
		return
	}
	e.loaded[key] = true
	entities, syncedAt, err := e.store.LoadCollection(key, e.opts.CacheMaxAge, e.clock.Now())
	if err != nil {
		e.log.Error().Err(err).Str("collection", key).Msg("load cached collection")
		return
	}
	e.collections[key] = entities
	e.syncedAt[key] = syncedAt
}

func (e *Engine) persistCollectionLocked(key string) {
	if err := e.store.SaveCollection(key, e.collections[key], e.syncedAt[key]); err != nil {
		e.log.Error().Err(err).Str("collection", key).Msg("persist collection")
	}
}

func (e *Engine) persistVotesLocked() {
	if err := e.store.SaveVotes(e.opts.ActorID, e.myVotes); err != nil {
		e.log.Error().Err(err).Msg("persist votes")
	}
}

func (e *Engine) persistFollowingLocked() {
	if err := e.store.SaveFollowing(e.opts.ActorID, e.following); err != nil {
		e.log.Error().Err(err).Msg("persist following")
	}
}

func (e *Engine) findLocked(key, id string) int {
	for i, ent := range e.collections[key] {
		if ent.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) setEntityStatus(key, id string, status entity.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureCollectionLocked(key)
	if i := e.findLocked(key, id); i >= 0 {
		e.collections[key][i].Status = status
		e.persistCollectionLocked(key)
	}
}
