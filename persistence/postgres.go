// Package persistence records sweep outcomes in PostgreSQL and feeds
// the notifier and drainer from them. File records are immutable: a
// file that changes on disk has its record, and thus its history,
// deleted and started over.
package persistence

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
)

//go:embed schema.sql
var schema string

// Records older than this with nothing left to tell anyone about are
// expired on startup
const expireAfter = "90 days"

// DB is the PostgreSQL-backed persistence layer
type DB struct {
	pool      *pgxpool.Pool
	directory idm.IdM

	// groups already persisted this session
	knownGroups map[int]bool
}

// New connects to the configured database, applies the schema, and
// refreshes group ownership from the identity directory
func New(ctx context.Context, cfg config.Persistence, directory idm.IdM) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Database, cfg.User, cfg.Password)

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to PostgreSQL")
	}

	db := &DB{
		pool:        pool,
		directory:   directory,
		knownGroups: make(map[int]bool),
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cannot apply database schema")
	}
	if err := db.Clean(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.refreshGroups(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool
func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) String() string {
	return "persistence"
}

// transact runs fn inside a transaction, committing on success
func (db *DB) transact(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Clean drops records with nothing left to tell anyone about. It runs
// at startup and after each sweep: files whose deletion everyone has
// heard of are purged outright, which also silences any leftover
// warnings for them; everything else fully notified expires after 90
// days, except staged files, which stay until drained.
func (db *DB) Clean(ctx context.Context) error {
	return db.transact(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			delete from files
			where  id in (
			    select file
			    from   stakeholder_notified
			    where  state = 'deleted'
			    group  by file
			    having bool_and(notified)
			);`)
		if err != nil {
			return err
		}
		if purged := tag.RowsAffected(); purged > 0 {
			core.Infof(db, "purged %d fully notified deleted files", purged)
		}

		tag, err = tx.Exec(ctx, fmt.Sprintf(`
			delete from files
			where  id in (
			    select file
			    from   stakeholder_notified
			    group  by file
			    having bool_and(notified)
			    and    bool_and(state <> 'staged')
			    and    max(timestamp) < now() - interval '%s'
			);`, expireAfter))
		if err != nil {
			return err
		}
		if expired := tag.RowsAffected(); expired > 0 {
			core.Infof(db, "expired %d stale records", expired)
		}
		return nil
	})
}

// refreshGroups clears the group ownership records and repopulates
// them from the identity directory, so owner changes are picked up
func (db *DB) refreshGroups(ctx context.Context) error {
	return db.transact(ctx, func(tx pgx.Tx) error {
		core.Infof(db, "refreshing group ownership records")

		if _, err := tx.Exec(ctx, "truncate group_owners;"); err != nil {
			return err
		}
		db.knownGroups = make(map[int]bool)

		rows, err := tx.Query(ctx, "select gid from groups;")
		if err != nil {
			return err
		}
		gids, err := collectInts(rows)
		if err != nil {
			return err
		}

		for _, gid := range gids {
			if err := db.persistGroup(ctx, tx, gid); err != nil {
				return err
			}
		}
		return nil
	})
}

// persistGroup records a group and its owners, once per session
func (db *DB) persistGroup(ctx context.Context, tx pgx.Tx, gid int) error {
	if db.knownGroups[gid] {
		return nil
	}

	group, err := db.directory.Group(gid)
	if err != nil {
		return errors.Wrapf(err, "cannot resolve group %d", gid)
	}

	if _, err := tx.Exec(ctx, `
		insert into groups (gid) values ($1)
		on conflict do nothing;`, gid); err != nil {
		return err
	}
	for _, owner := range group.Owners {
		core.Debugf(db, "recording %s as an owner of %s", owner, group)
		if _, err := tx.Exec(ctx, `
			insert into group_owners (gid, owner) values ($1, $2)
			on conflict do nothing;`, gid, owner.UID); err != nil {
			return err
		}
	}

	db.knownGroups[gid] = true
	return nil
}

func collectInts(rows pgx.Rows) ([]int, error) {
	defer rows.Close()

	var out []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
