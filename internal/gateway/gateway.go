// Package gateway is the client's view of the remote data store. The engine
// treats it as a black-box request/response service that can fail, time out,
// or have its request aborted client-side.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// VoteResult is the server's canonical answer to a vote toggle. MyVote is
// empty when the toggle cleared the caller's vote.
type VoteResult struct {
	NetVotes int
	MyVote   Direction
}

type ListOptions struct {
	ParentID string
	OrderBy  string
	Limit    int
}

// Gateway is the remote call surface consumed by the sync engine.
type Gateway interface {
	// ListEntities returns raw rows for a collection. Implementations fall
	// back to a minimal column set when the full projection is rejected.
	ListEntities(ctx context.Context, kind entity.Kind, opts ListOptions) ([]map[string]any, error)

	// SetVote applies the caller's 3-state vote toggle atomically and
	// returns the resulting aggregate. Calling it twice with the same
	// direction yields the toggle-off result the second time.
	SetVote(ctx context.Context, kind entity.Kind, entityID, actorID string, direction Direction) (VoteResult, error)

	// Insert creates a row and returns it as stored. The caller's retry
	// path is expected to look up by fingerprint before re-inserting.
	Insert(ctx context.Context, kind entity.Kind, payload map[string]any) (map[string]any, error)

	// ListRecentByAuthor returns rows authored by actorID created at or
	// after since, used for fingerprint-based recovery of indeterminate
	// writes.
	ListRecentByAuthor(ctx context.Context, kind entity.Kind, actorID string, since time.Time) ([]map[string]any, error)

	// SetFollow records or clears a follow edge between the actor and a
	// profile.
	SetFollow(ctx context.Context, actorID, profileID string, follow bool) error

	// Recompute asks the store to rebuild the actor's derived reputation
	// from its ledger of actions and returns the new value.
	Recompute(ctx context.Context, actorID string) (int, error)
}

// FailureKind classifies a gateway error for the engine's recovery paths.
type FailureKind int

const (
	// FailureTerminal is an error with a definite outcome: the write did
	// not land and retrying the same request will not help this attempt.
	FailureTerminal FailureKind = iota
	// FailureAborted means the call was cancelled client-side. The outcome
	// is indeterminate and the error is suppressed from user surfaces.
	FailureAborted
	// FailureTimedOut means no response arrived within the budget. The
	// write may have landed server-side.
	FailureTimedOut
	// FailureSchemaDrift means the remote rejected an unknown column.
	FailureSchemaDrift
	// FailureValidation is a caller mistake, surfaced synchronously.
	FailureValidation
	// FailureUnauthorized is an auth error, surfaced synchronously.
	FailureUnauthorized
)

var (
	ErrUnauthorized = errors.New("not authorized")
	ErrValidation   = errors.New("validation failed")
)

// SchemaDriftError reports the column the remote store rejected so the
// engine can strip it and retry the same logical write.
type SchemaDriftError struct {
	Column string
	Err    error
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("unknown column %q: %v", e.Column, e.Err)
}

func (e *SchemaDriftError) Unwrap() error { return e.Err }

const (
	pgUndefinedColumn       = "42703"
	pgInvalidAuthorization  = "28000"
	pgInsufficientPrivilege = "42501"
	pgNotNullViolation      = "23502"
	pgCheckViolation        = "23514"
)

// Classify maps an error from any gateway call onto the engine's failure
// taxonomy. Context cancellation and deadline expiry are indeterminate: the
// request may have landed server-side, so neither counts as a content
// failure.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureTerminal
	case errors.Is(err, context.Canceled):
		return FailureAborted
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimedOut
	case errors.Is(err, ErrUnauthorized):
		return FailureUnauthorized
	case errors.Is(err, ErrValidation):
		return FailureValidation
	}
	var drift *SchemaDriftError
	if errors.As(err, &drift) {
		return FailureSchemaDrift
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedColumn:
			return FailureSchemaDrift
		case pgInvalidAuthorization, pgInsufficientPrivilege:
			return FailureUnauthorized
		case pgNotNullViolation, pgCheckViolation:
			return FailureValidation
		}
	}
	return FailureTerminal
}

// DriftColumn extracts the rejected column name from a schema-drift error,
// or "" when the error is not schema drift.
func DriftColumn(err error) string {
	var drift *SchemaDriftError
	if errors.As(err, &drift) {
		return drift.Column
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedColumn {
		return pgErr.ColumnName
	}
	return ""
}
