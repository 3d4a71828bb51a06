package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/core"
)

const fileColumns = `
	files.id, files.device, files.inode, files.path, coalesce(files.key, ''),
	files.mtime, files.size, files.owner, files.group_id`

// RecordDeleted records that a file has been soft-deleted
func (db *DB) RecordDeleted(ctx context.Context, f *File) error {
	return db.record(ctx, f, Deleted, 0)
}

// RecordStaged records that a file has been staged for archival
func (db *DB) RecordStaged(ctx context.Context, f *File) error {
	return db.record(ctx, f, Staged, 0)
}

// RecordWarning records that a file is tminus away from deletion. The
// same checkpoint is only recorded once per file record; since records
// restart whenever a file changes on disk, touching a file re-arms its
// warnings.
func (db *DB) RecordWarning(ctx context.Context, f *File, tminus time.Duration) error {
	return db.record(ctx, f, Warned, tminus)
}

func (db *DB) record(ctx context.Context, f *File, state State, tminus time.Duration) error {
	return db.transact(ctx, func(tx pgx.Tx) error {
		if err := db.persistGroup(ctx, tx, f.Group); err != nil {
			return err
		}
		if err := db.persistFile(ctx, tx, f); err != nil {
			return err
		}

		if state == Deleted {
			// deletion supersedes any outstanding warnings: a report
			// must never list the same file as both warned and deleted
			if _, err := tx.Exec(ctx, `
				delete from status
				where  file  = $1
				and    state = 'warned';`, f.ID); err != nil {
				return err
			}
		}

		statusID, err := db.findStatus(ctx, tx, f, state, tminus)
		if err == nil {
			core.Debugf(db, "%d:%d already recorded as %s", f.Device, f.Inode, state)
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		core.Debugf(db, "recording %d:%d as %s", f.Device, f.Inode, state)
		if err := tx.QueryRow(ctx, `
			insert into status (file, state) values ($1, $2)
			returning id;`, f.ID, string(state)).Scan(&statusID); err != nil {
			return err
		}
		if state == Warned {
			if _, err := tx.Exec(ctx, `
				insert into warnings (status, tminus) values ($1, $2);`,
				statusID, int64(tminus.Seconds())); err != nil {
				return err
			}
		}
		return nil
	})
}

// persistFile makes sure the file's current incarnation is recorded,
// deleting any stale record first. Vault keys may change without
// restarting the record.
func (db *DB) persistFile(ctx context.Context, tx pgx.Tx, f *File) error {
	known, err := db.findFile(ctx, tx, f.Device, f.Inode)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	if known != nil && !known.equivalent(f) {
		core.Debugf(db, "%d:%d changed on disk, restarting its record", f.Device, f.Inode)
		if _, err := tx.Exec(ctx, "delete from files where id = $1;", known.ID); err != nil {
			return err
		}
		known = nil
	}

	if known != nil && known.Key == f.Key {
		f.ID = known.ID
		return nil
	}
	return tx.QueryRow(ctx, `
		insert into files (device, inode, path, key, mtime, size, owner, group_id)
		values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8)
		on conflict (device, inode) do update set key = excluded.key
		returning id;`,
		int64(f.Device), int64(f.Inode), f.Path, f.Key,
		f.MTime, f.Size, f.Owner, f.Group).Scan(&f.ID)
}

func (db *DB) findFile(ctx context.Context, tx pgx.Tx, device, inode uint64) (*File, error) {
	f := &File{}
	var dev, ino int64
	err := tx.QueryRow(ctx, `
		select `+fileColumns+`
		from   files
		where  device = $1
		and    inode  = $2;`, int64(device), int64(inode)).
		Scan(&f.ID, &dev, &ino, &f.Path, &f.Key, &f.MTime, &f.Size, &f.Owner, &f.Group)
	if err != nil {
		return nil, err
	}
	f.Device, f.Inode = uint64(dev), uint64(ino)
	return f, nil
}

func (db *DB) findStatus(ctx context.Context, tx pgx.Tx, f *File, state State, tminus time.Duration) (int64, error) {
	var statusID int64
	if state == Warned {
		err := tx.QueryRow(ctx, `
			select status.id
			from   warnings
			join   status
			on     status.id       = warnings.status
			where  status.file     = $1
			and    warnings.tminus = $2;`,
			f.ID, int64(tminus.Seconds())).Scan(&statusID)
		return statusID, err
	}
	err := tx.QueryRow(ctx, `
		select id
		from   status
		where  file  = $1
		and    state = $2;`, f.ID, string(state)).Scan(&statusID)
	return statusID, err
}

// Stakeholders returns the uids of everyone with files on record
func (db *DB) Stakeholders(ctx context.Context) ([]int, error) {
	rows, err := db.pool.Query(ctx, "select stakeholder from stakeholders;")
	if err != nil {
		return nil, err
	}
	return collectInts(rows)
}

// Reports gathers, per stakeholder, the activity they have not yet
// been notified about. checkpoints are the configured warning
// horizons to report on.
func (db *DB) Reports(ctx context.Context, checkpoints []time.Duration) ([]*Report, error) {
	stakeholders, err := db.Stakeholders(ctx)
	if err != nil {
		return nil, err
	}

	var reports []*Report
	for _, uid := range stakeholders {
		report := &Report{
			Stakeholder: uid,
			Warned:      make(map[time.Duration][]*File),
		}

		report.Deleted, err = db.unnotified(ctx, uid, Deleted)
		if err != nil {
			return nil, err
		}
		report.Staged, err = db.unnotified(ctx, uid, Staged)
		if err != nil {
			return nil, err
		}
		for _, tminus := range checkpoints {
			warned, err := db.unnotifiedWarnings(ctx, uid, tminus)
			if err != nil {
				return nil, err
			}
			if len(warned) > 0 {
				report.Warned[tminus] = warned
			}
		}

		if !report.Empty() {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

func (db *DB) unnotified(ctx context.Context, uid int, state State) ([]*File, error) {
	return db.queryFiles(ctx, `
		select distinct file
		from   stakeholder_notified
		where  state       = $1
		and    stakeholder = $2
		and    not notified`, string(state), uid)
}

func (db *DB) unnotifiedWarnings(ctx context.Context, uid int, tminus time.Duration) ([]*File, error) {
	return db.queryFiles(ctx, `
		select distinct stakeholder_notified.file
		from   stakeholder_notified
		join   warnings
		on     warnings.status = stakeholder_notified.id
		where  stakeholder_notified.state       = 'warned'
		and    stakeholder_notified.stakeholder = $1
		and    warnings.tminus                  = $2
		and    not stakeholder_notified.notified`, uid, int64(tminus.Seconds()))
}

// queryFiles runs a subquery yielding file IDs and returns the files
func (db *DB) queryFiles(ctx context.Context, subquery string, args ...interface{}) ([]*File, error) {
	rows, err := db.pool.Query(ctx, `
		select `+fileColumns+`
		from   files
		join   (`+subquery+`) as matched
		on     matched.file = files.id
		order  by files.path;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		var dev, ino int64
		if err := rows.Scan(&f.ID, &dev, &ino, &f.Path, &f.Key,
			&f.MTime, &f.Size, &f.Owner, &f.Group); err != nil {
			return nil, err
		}
		f.Device, f.Inode = uint64(dev), uint64(ino)
		files = append(files, f)
	}
	return files, rows.Err()
}

// MarkNotified records that everything in the report has been sent to
// its stakeholder
func (db *DB) MarkNotified(ctx context.Context, r *Report) error {
	return db.transact(ctx, func(tx pgx.Tx) error {
		mark := func(f *File, state State) error {
			_, err := tx.Exec(ctx, `
				insert into notifications (status, stakeholder)
				select id, stakeholder
				from   stakeholder_notified
				where  not notified
				and    file        = $1
				and    state       = $2
				and    stakeholder = $3
				on conflict do nothing;`, f.ID, string(state), r.Stakeholder)
			return err
		}

		for _, f := range r.Deleted {
			if err := mark(f, Deleted); err != nil {
				return err
			}
		}
		for _, f := range r.Staged {
			if err := mark(f, Staged); err != nil {
				return err
			}
		}
		for tminus, files := range r.Warned {
			for _, f := range files {
				if _, err := tx.Exec(ctx, `
					insert into notifications (status, stakeholder)
					select stakeholder_notified.id, stakeholder_notified.stakeholder
					from   stakeholder_notified
					join   warnings
					on     warnings.status = stakeholder_notified.id
					where  not stakeholder_notified.notified
					and    stakeholder_notified.file        = $1
					and    stakeholder_notified.stakeholder = $2
					and    warnings.tminus                  = $3
					on conflict do nothing;`,
					f.ID, r.Stakeholder, int64(tminus.Seconds())); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// StagedQueue returns the staged files whose stakeholders have all
// been notified. These are what the drainer hands to the archive
// handler.
func (db *DB) StagedQueue(ctx context.Context) ([]*File, error) {
	return db.queryFiles(ctx, `
		select file
		from   stakeholder_notified
		where  state = 'staged'
		group  by file
		having bool_and(notified)`)
}

// Purge removes the given files, and through them their statuses, from
// the database. The drainer calls this once the archive handler has
// accepted a queue.
func (db *DB) Purge(ctx context.Context, files []*File) error {
	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return db.transact(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "delete from files where id = any($1);", ids)
		return err
	})
}
