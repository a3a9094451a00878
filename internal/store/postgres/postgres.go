// Package postgres implements the store.I contract (§4.7) against a
// relational engine, per the persisted-state layout in §6: events, tags,
// and deletions tables with parameterized queries throughout. Grounded on
// the teacher's database.D transactional save/query pattern
// (database/save-event.go, database/query-events.go) -- "find prior
// events of the same replacement key, then supersede inside the same
// transaction" -- translated from the teacher's ordered-key-value engine
// to SQL. The teacher's own storage engine (badger-backed) is not SQL and
// so is not the grounding for the query construction itself; this is
// named in DESIGN.md as an out-of-pack dependency (jackc/pgx/v5).
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
	"novarelay.dev/internal/store"
)

// Schema is the DDL for the three tables and their required indexes (§6).
// Exposed so callers/tests can provision an ephemeral database; this
// package never runs it implicitly, matching the teacher's habit of a
// distinct bootstrap step rather than auto-migration on connect.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	author_key TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind BIGINT NOT NULL,
	content TEXT NOT NULL,
	sig TEXT NOT NULL,
	tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_author_key_idx ON events (author_key);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind);
CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at DESC);
CREATE INDEX IF NOT EXISTS events_author_kind_idx ON events (author_key, kind);
CREATE INDEX IF NOT EXISTS events_not_tombstoned_idx ON events (tombstoned) WHERE tombstoned = FALSE;

CREATE TABLE IF NOT EXISTS tags (
	row_id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	position INT NOT NULL
);
CREATE INDEX IF NOT EXISTS tags_event_id_idx ON tags (event_id);
CREATE INDEX IF NOT EXISTS tags_name_value_idx ON tags (name, value);

CREATE TABLE IF NOT EXISTS deletions (
	row_id BIGSERIAL PRIMARY KEY,
	target_event_id TEXT NOT NULL,
	deletion_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS deletions_target_event_id_idx ON deletions (target_event_id);
`

// Store is a store.I backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.I = (*Store)(nil)

// Open connects to databaseURL with a bounded pool (§5: "default cap 10").
func Open(ctx context.Context, databaseURL string, poolCap int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if poolCap > 0 {
		cfg.MaxConns = int32(poolCap)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Store inserts ev inside a single transaction, handling supersession and
// deletion per §3/§4.7.
func (s *Store) Store(ctx context.Context, ev *event.E) (store.Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, ev.IDHex()).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check existence: %w", err)
	}
	if exists {
		return store.Duplicate, nil
	}

	superseded := false
	if key, ok := ev.ReplacementKey(); ok {
		if superseded, err = supersede(ctx, tx, key, ev); err != nil {
			return 0, fmt.Errorf("supersede: %w", err)
		}
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO events (id, author_key, created_at, kind, content, sig, tombstoned) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.IDHex(), ev.PubkeyHex(), ev.CreatedAt, ev.Kind, ev.Content, ev.SigHex(), superseded,
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	for i, t := range ev.Tags {
		if _, err = tx.Exec(ctx,
			`INSERT INTO tags (event_id, name, value, position) VALUES ($1,$2,$3,$4)`,
			ev.IDHex(), t.Name(), t.Value(), i,
		); err != nil {
			return 0, fmt.Errorf("insert tag: %w", err)
		}
	}

	if ev.Kind == event.KindDeletion {
		if err = applyDeletion(ctx, tx, ev); err != nil {
			return 0, fmt.Errorf("apply deletion: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return store.Stored, nil
}

// supersede tombstones any existing non-tombstoned event occupying key's
// replacement slot, keeping the one with the greater created_at (ties
// broken by greater id, per §3/§8). It reports superseded=true when an
// existing event beats incoming, so incoming is inserted already tombstoned.
func supersede(ctx context.Context, tx pgx.Tx, key event.ReplacementKey, incoming *event.E) (superseded bool, err error) {
	var rows pgx.Rows
	if key.D == "" && incoming.Category() == event.Replaceable {
		rows, err = tx.Query(ctx,
			`SELECT id, created_at FROM events WHERE author_key = $1 AND kind = $2 AND tombstoned = FALSE`,
			key.Pubkey, key.Kind,
		)
	} else {
		// A parameterized-replaceable event with no "d" tag at all carries the
		// same replacement key as one with an explicit d="" tag (§3). The LEFT
		// JOIN plus COALESCE treats the two identically, so a second no-d-tag
		// event from the same author/kind still finds and tombstones the first.
		rows, err = tx.Query(ctx,
			`SELECT e.id, e.created_at FROM events e
			 LEFT JOIN tags t ON t.event_id = e.id AND t.name = 'd'
			 WHERE e.author_key = $1 AND e.kind = $2 AND e.tombstoned = FALSE
			   AND COALESCE(t.value, '') = $3`,
			key.Pubkey, key.Kind, key.D,
		)
	}
	if err != nil {
		return false, err
	}
	defer rows.Close()

	type prior struct {
		id        string
		createdAt int64
	}
	var priors []prior
	for rows.Next() {
		var p prior
		if err = rows.Scan(&p.id, &p.createdAt); err != nil {
			return false, err
		}
		priors = append(priors, p)
	}
	if err = rows.Err(); err != nil {
		return false, err
	}

	for _, p := range priors {
		winner := incoming.CreatedAt > p.createdAt ||
			(incoming.CreatedAt == p.createdAt && incoming.IDHex() > p.id)
		if !winner {
			superseded = true
			continue
		}
		if _, err = tx.Exec(ctx, `UPDATE events SET tombstoned = TRUE WHERE id = $1`, p.id); err != nil {
			return false, err
		}
	}
	return superseded, nil
}

// applyDeletion tombstones every event referenced by an "e" tag whose
// author matches the deletion event's author (§3: "only affects events
// with the same author_key"), recording an audit row for each.
func applyDeletion(ctx context.Context, tx pgx.Tx, deletionEv *event.E) error {
	author := deletionEv.PubkeyHex()
	for _, t := range deletionEv.Tags {
		if t.Name() != "e" || len(t) < 2 {
			continue
		}
		target := t.Value()
		tag, err := tx.Exec(ctx,
			`UPDATE events SET tombstoned = TRUE WHERE id = $1 AND author_key = $2 AND tombstoned = FALSE`,
			target, author,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			if _, err = tx.Exec(ctx,
				`INSERT INTO deletions (target_event_id, deletion_event_id) VALUES ($1,$2)`,
				target, deletionEv.IDHex(),
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// Query returns non-tombstoned events matching f, newest first, truncated
// to min(f.Limit, maxLimit). Every value derived from the filter is bound
// as a parameter -- never interpolated (§9 SQL safety).
func (s *Store) Query(ctx context.Context, f *filter.F, maxLimit int) ([]*event.E, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "tombstoned = FALSE")
	if len(f.IDs) > 0 {
		where = append(where, fmt.Sprintf("id = ANY(%s)", arg(f.IDs)))
	}
	if len(f.Authors) > 0 {
		where = append(where, fmt.Sprintf("author_key = ANY(%s)", arg(f.Authors)))
	}
	if len(f.Kinds) > 0 {
		where = append(where, fmt.Sprintf("kind = ANY(%s)", arg(f.Kinds)))
	}
	if f.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= %s", arg(*f.Since)))
	}
	if f.Until != nil {
		where = append(where, fmt.Sprintf("created_at <= %s", arg(*f.Until)))
	}
	if len(f.E) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM tags t WHERE t.event_id = events.id AND t.name = 'e' AND t.value = ANY(%s))",
			arg(f.E),
		))
	}
	if len(f.P) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM tags t WHERE t.event_id = events.id AND t.name = 'p' AND t.value = ANY(%s))",
			arg(f.P),
		))
	}

	limit := f.EffectiveLimit(maxLimit)
	if limit <= 0 {
		return nil, nil
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT id, author_key, created_at, kind, content, sig FROM events WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*event.E
	var ids []string
	byID := map[string]*event.E{}
	for rows.Next() {
		var idHex, authorHex, sigHex, content string
		var createdAt, kind int64
		if err = rows.Scan(&idHex, &authorHex, &createdAt, &kind, &content, &sigHex); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := &event.E{CreatedAt: createdAt, Kind: kind, Content: content}
		if ev.ID, err = decodeHex(idHex); err != nil {
			return nil, err
		}
		if ev.Pubkey, err = decodeHex(authorHex); err != nil {
			return nil, err
		}
		if ev.Sig, err = decodeHex(sigHex); err != nil {
			return nil, err
		}
		out = append(out, ev)
		ids = append(ids, idHex)
		byID[idHex] = ev
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	tagRows, err := s.pool.Query(ctx,
		`SELECT event_id, name, value FROM tags WHERE event_id = ANY($1) ORDER BY event_id, position`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var eventID, name, value string
		if err = tagRows.Scan(&eventID, &name, &value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Tags = append(ev.Tags, event.Tag{name, value})
		}
	}
	return out, tagRows.Err()
}

func decodeHex(s string) ([]byte, error) {
	b := make([]byte, len(s)/2)
	for i := range b {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("invalid hex %q", s)
		}
		b[i] = byte(hi<<4 | lo)
	}
	return b, nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// DeleteAll wipes every row. Administrative; not exposed on the wire.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE events, tags, deletions`)
	return err
}
