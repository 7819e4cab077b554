package payload

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RefIDs collects the entity ids referenced by a change set, grouped by
// entity type.
type RefIDs struct {
	Statuses   []int64
	Priorities []int64
	Users      []int64
	Projects   []int64
	Trackers   []int64
	Categories []int64
	Versions   []int64
	Activities []int64
}

// UserName carries the display fields of a resolved user.
type UserName struct {
	Name  string
	Login string
}

// Resolved maps each referenced id to its human-readable name.
type Resolved struct {
	Statuses   map[int64]string
	Priorities map[int64]string
	Users      map[int64]UserName
	Projects   map[int64]string
	Trackers   map[int64]string
	Categories map[int64]string
	Versions   map[int64]string
	Activities map[int64]string
}

// Lookup resolves referenced entity names. Implementations must batch:
// one query per entity type covering the full id set, regardless of how
// many fields changed.
type Lookup interface {
	Resolve(ctx context.Context, refs RefIDs) (Resolved, error)
}

// PGLookup resolves entity names from the host application's tables.
type PGLookup struct {
	pool *pgxpool.Pool
}

func NewPGLookup(pool *pgxpool.Pool) *PGLookup {
	return &PGLookup{pool: pool}
}

func (l *PGLookup) Resolve(ctx context.Context, refs RefIDs) (Resolved, error) {
	res := Resolved{
		Statuses:   map[int64]string{},
		Priorities: map[int64]string{},
		Users:      map[int64]UserName{},
		Projects:   map[int64]string{},
		Trackers:   map[int64]string{},
		Categories: map[int64]string{},
		Versions:   map[int64]string{},
		Activities: map[int64]string{},
	}

	if err := l.names(ctx, `SELECT id, name FROM issue_statuses WHERE id = ANY($1)`, refs.Statuses, res.Statuses); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM enumerations WHERE type = 'IssuePriority' AND id = ANY($1)`, refs.Priorities, res.Priorities); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM enumerations WHERE type = 'TimeEntryActivity' AND id = ANY($1)`, refs.Activities, res.Activities); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM projects WHERE id = ANY($1)`, refs.Projects, res.Projects); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM trackers WHERE id = ANY($1)`, refs.Trackers, res.Trackers); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM issue_categories WHERE id = ANY($1)`, refs.Categories, res.Categories); err != nil {
		return res, err
	}
	if err := l.names(ctx, `SELECT id, name FROM versions WHERE id = ANY($1)`, refs.Versions, res.Versions); err != nil {
		return res, err
	}

	if len(refs.Users) > 0 {
		rows, err := l.pool.Query(ctx,
			`SELECT id, login, TRIM(firstname || ' ' || lastname) FROM users WHERE id = ANY($1)`,
			refs.Users)
		if err != nil {
			return res, err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var login, name string
			if err := rows.Scan(&id, &login, &name); err != nil {
				return res, err
			}
			res.Users[id] = UserName{Name: name, Login: login}
		}
		if err := rows.Err(); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (l *PGLookup) names(ctx context.Context, query string, ids []int64, out map[int64]string) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := l.pool.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		out[id] = name
	}
	return rows.Err()
}
