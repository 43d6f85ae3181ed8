package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) DB() *sql.DB {
	return g.db
}

func (g *PostgresGateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

var tables = map[entity.Kind]string{
	entity.KindIdea:       "ideas",
	entity.KindDiscussion: "discussions",
	entity.KindComment:    "comments",
	entity.KindGuideEntry: "guide_entries",
	entity.KindProfile:    "profiles",
}

func tableFor(kind entity.Kind) (string, error) {
	table, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, kind)
	}
	return table, nil
}

var fullColumns = []string{"id", "author_id", "author_name", "title", "body", "tags", "parent_id", "votes", "created_at"}

// minimalColumns is the degraded projection used when the full one is
// rejected by an older schema. Missing fields are defaulted by the
// normalizer.
var minimalColumns = []string{"id", "author_id", "title", "created_at"}

func (g *PostgresGateway) ListEntities(ctx context.Context, kind entity.Kind, opts ListOptions) ([]map[string]any, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := g.listWithColumns(ctx, table, fullColumns, opts)
	if Classify(err) == FailureSchemaDrift {
		rows, err = g.listWithColumns(ctx, table, minimalColumns, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return rows, nil
}

func (g *PostgresGateway) listWithColumns(ctx context.Context, table string, columns []string, opts ListOptions) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), table)
	var args []any
	if opts.ParentID != "" {
		query += " WHERE parent_id = $1"
		args = append(args, opts.ParentID)
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "created_at DESC"
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	result, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var out []map[string]any
	for result.Next() {
		row, err := scanRow(result, columns)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRow(result *sql.Rows, columns []string) (map[string]any, error) {
	dest := make([]any, len(columns))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := result.Scan(dest...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(columns))
	for i, column := range columns {
		value := *(dest[i].(*any))
		if column == "tags" {
			row[column] = decodeTags(value)
			continue
		}
		switch v := value.(type) {
		case []byte:
			row[column] = string(v)
		default:
			row[column] = v
		}
	}
	return row, nil
}

func decodeTags(value any) []string {
	raw, ok := value.([]byte)
	if !ok {
		if s, sok := value.(string); sok {
			raw = []byte(s)
		} else {
			return nil
		}
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

func (g *PostgresGateway) SetVote(ctx context.Context, kind entity.Kind, entityID, actorID string, direction Direction) (VoteResult, error) {
	if _, err := tableFor(kind); err != nil {
		return VoteResult{}, err
	}
	var netVotes int
	var myVote sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT net_votes, my_vote FROM set_entity_vote($1, $2, $3, $4)
	`, string(kind), entityID, actorID, string(direction)).Scan(&netVotes, &myVote)
	if err != nil {
		return VoteResult{}, fmt.Errorf("set vote: %w", err)
	}
	return VoteResult{NetVotes: netVotes, MyVote: Direction(myVote.String)}, nil
}

func (g *PostgresGateway) Insert(ctx context.Context, kind entity.Kind, payload map[string]any) (map[string]any, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	columns := make([]string, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, key := range keys {
		columns = append(columns, key)
		placeholder := fmt.Sprintf("$%d", i+1)
		value := payload[key]
		// slice values (tags) go in as jsonb; payloads that round-tripped
		// through the ledger carry them as []any rather than []string
		switch value.(type) {
		case []string, []any:
			encoded, _ := json.Marshal(value)
			value = string(encoded)
			placeholder += "::jsonb"
		}
		placeholders = append(placeholders, placeholder)
		args = append(args, value)
	}

	// return only the columns we just inserted plus the generated id, so a
	// drift-reduced write does not trip over the projection it avoided
	returning := append([]string{"id"}, columns...)
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(returning, ", "),
	)
	result, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	defer result.Close()

	if !result.Next() {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		return nil, fmt.Errorf("insert %s: no row returned", table)
	}
	row, err := scanRow(result, returning)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return row, nil
}

func (g *PostgresGateway) ListRecentByAuthor(ctx context.Context, kind entity.Kind, actorID string, since time.Time) ([]map[string]any, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE author_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 50
	`, strings.Join(fullColumns, ", "), table)

	result, err := g.db.QueryContext(ctx, query, actorID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent %s: %w", table, err)
	}
	defer result.Close()

	var out []map[string]any
	for result.Next() {
		row, err := scanRow(result, fullColumns)
		if err != nil {
			return nil, fmt.Errorf("scan recent row: %w", err)
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list recent %s: %w", table, err)
	}
	return out, nil
}

func (g *PostgresGateway) SetFollow(ctx context.Context, actorID, profileID string, follow bool) error {
	if follow {
		if _, err := g.db.ExecContext(ctx, `
			INSERT INTO follows (actor_id, profile_id)
			VALUES ($1, $2)
			ON CONFLICT (actor_id, profile_id) DO NOTHING
		`, actorID, profileID); err != nil {
			return fmt.Errorf("insert follow: %w", err)
		}
		return nil
	}
	if _, err := g.db.ExecContext(ctx, `
		DELETE FROM follows WHERE actor_id = $1 AND profile_id = $2
	`, actorID, profileID); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (g *PostgresGateway) Recompute(ctx context.Context, actorID string) (int, error) {
	var value int
	err := g.db.QueryRowContext(ctx, `SELECT recompute_reputation($1)`, actorID).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("recompute reputation: %w", err)
	}
	return value, nil
}
