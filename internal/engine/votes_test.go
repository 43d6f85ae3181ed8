package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
	"github.com/Chumpton/world-of-ideas-sub001/internal/gateway"
)

// voteServer mimics the remote toggle semantics: same direction clears,
// opposite direction flips, and the returned aggregate is canonical.
type voteServer struct {
	base   int
	actors map[string]string
}

func newVoteServer(base int) *voteServer {
	return &voteServer{base: base, actors: map[string]string{}}
}

func (s *voteServer) toggle(actorID string, direction gateway.Direction) gateway.VoteResult {
	prev := s.actors[actorID]
	if prev == string(direction) {
		delete(s.actors, actorID)
	} else {
		s.actors[actorID] = string(direction)
	}
	net := s.base
	for _, v := range s.actors {
		net += voteValue(v)
	}
	return gateway.VoteResult{NetVotes: net, MyVote: gateway.Direction(s.actors[actorID])}
}

func newVotingEngine(t *testing.T, gw *fakeGateway, initialVotes int) *Engine {
	t.Helper()
	gw.mu.Lock()
	gw.listEntitiesFn = func(entity.Kind, gateway.ListOptions) ([]map[string]any, error) {
		return []map[string]any{{
			"id":        "idea-1",
			"author_id": "actor-9",
			"title":     "Solar kites",
			"votes":     int64(initialVotes),
		}}, nil
	}
	gw.mu.Unlock()
	e := newTestEngine(t, gw, nil, 4)
	require.NoError(t, e.Refresh(context.Background(), entity.KindIdea, "", true))
	return e
}

func votesOf(t *testing.T, e *Engine, id string) int {
	t.Helper()
	got, ok := firstByID(e.Collection(entity.KindIdea, ""), id)
	require.True(t, ok)
	return got.Votes
}

func TestVoteToggle(t *testing.T) {
	gw := &fakeGateway{}
	server := newVoteServer(5)
	gw.setVoteFn = func(_ entity.Kind, _, actorID string, direction gateway.Direction) (gateway.VoteResult, error) {
		return server.toggle(actorID, direction), nil
	}
	e := newVotingEngine(t, gw, 5)

	// upvote
	result, err := e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, 6, result.NetVotes)
	assert.Equal(t, gateway.DirectionUp, result.MyVote)
	assert.Equal(t, 6, votesOf(t, e, "idea-1"))
	assert.Equal(t, "up", e.MyVote("idea-1"))

	// same direction again clears the vote
	result, err = e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, 5, result.NetVotes)
	assert.Equal(t, gateway.Direction(""), result.MyVote)
	assert.Equal(t, 5, votesOf(t, e, "idea-1"))
	assert.Equal(t, "", e.MyVote("idea-1"))

	// up then down flips, a two-point swing
	_, err = e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)
	result, err = e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionDown)
	require.NoError(t, err)
	assert.Equal(t, 4, result.NetVotes)
	assert.Equal(t, gateway.DirectionDown, result.MyVote)
	assert.Equal(t, 4, votesOf(t, e, "idea-1"))
	assert.Equal(t, "down", e.MyVote("idea-1"))
}

func TestVoteServerAggregateWins(t *testing.T) {
	gw := &fakeGateway{}
	// other voters moved the count while our toggle was in flight: the
	// server answer, not the optimistic guess, ends up displayed
	gw.setVoteFn = func(entity.Kind, string, string, gateway.Direction) (gateway.VoteResult, error) {
		return gateway.VoteResult{NetVotes: 40, MyVote: gateway.DirectionUp}, nil
	}
	e := newVotingEngine(t, gw, 5)

	result, err := e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, 40, result.NetVotes)
	assert.Equal(t, 40, votesOf(t, e, "idea-1"))
}

func TestVoteRollsBackExactlyOnFailure(t *testing.T) {
	gw := &fakeGateway{}
	gw.setVoteFn = func(entity.Kind, string, string, gateway.Direction) (gateway.VoteResult, error) {
		return gateway.VoteResult{}, fmt.Errorf("set vote: %w", context.DeadlineExceeded)
	}
	e := newVotingEngine(t, gw, 5)

	_, err := e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.Error(t, err)

	// exact restore of both the aggregate and the membership
	assert.Equal(t, 5, votesOf(t, e, "idea-1"))
	assert.Equal(t, "", e.MyVote("idea-1"))
	// and no automatic retry: replaying a toggle could undo it
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, gw.votes())
}

func TestVoteRollbackRestoresPriorDirection(t *testing.T) {
	gw := &fakeGateway{}
	server := newVoteServer(5)
	gw.setVoteFn = func(_ entity.Kind, _, actorID string, direction gateway.Direction) (gateway.VoteResult, error) {
		return server.toggle(actorID, direction), nil
	}
	e := newVotingEngine(t, gw, 5)

	_, err := e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)
	require.Equal(t, "up", e.MyVote("idea-1"))

	gw.mu.Lock()
	gw.setVoteFn = func(entity.Kind, string, string, gateway.Direction) (gateway.VoteResult, error) {
		return gateway.VoteResult{}, fmt.Errorf("set vote: %w", context.DeadlineExceeded)
	}
	gw.mu.Unlock()

	_, err = e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionDown)
	require.Error(t, err)
	assert.Equal(t, 6, votesOf(t, e, "idea-1"))
	assert.Equal(t, "up", e.MyVote("idea-1"))
}

func TestVoteOnUnsyncedEntityRejected(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, nil, 4)

	_, err := e.Vote(context.Background(), entity.KindIdea, "", entity.NewTempID(), gateway.DirectionUp)
	require.ErrorIs(t, err, gateway.ErrValidation)
	assert.Equal(t, 0, gw.votes())
}

func TestVoteUpdatesReputation(t *testing.T) {
	gw := &fakeGateway{}
	gw.recomputeFn = func(string) (int, error) { return 17, nil }
	server := newVoteServer(5)
	gw.setVoteFn = func(_ entity.Kind, _, actorID string, direction gateway.Direction) (gateway.VoteResult, error) {
		return server.toggle(actorID, direction), nil
	}
	e := newVotingEngine(t, gw, 5)

	_, err := e.Vote(context.Background(), entity.KindIdea, "", "idea-1", gateway.DirectionUp)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Reputation() == 17
	}, 2*time.Second, 5*time.Millisecond)
}
