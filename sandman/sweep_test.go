package sandman

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/lib/file"
	"github.com/wtsi-hgi/vault/persistence"
	"github.com/wtsi-hgi/vault/quorum"
	"github.com/wtsi-hgi/vault/quorum/candelete"
	"github.com/wtsi-hgi/vault/vault"
)

const day = 24 * time.Hour

// recorder captures persistence effects instead of hitting a database
type recorder struct {
	deleted  []*persistence.File
	staged   []*persistence.File
	warnings map[time.Duration][]*persistence.File
}

func newRecorder() *recorder {
	return &recorder{warnings: make(map[time.Duration][]*persistence.File)}
}

func (r *recorder) RecordDeleted(_ context.Context, f *persistence.File) error {
	r.deleted = append(r.deleted, f)
	return nil
}

func (r *recorder) RecordStaged(_ context.Context, f *persistence.File) error {
	r.staged = append(r.staged, f)
	return nil
}

func (r *recorder) RecordWarning(_ context.Context, f *persistence.File, tminus time.Duration) error {
	r.warnings[tminus] = append(r.warnings[tminus], f)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Deletion: config.Deletion{
			Threshold: 90,
			Limbo:     14,
			Warnings:  []config.Hours{24, 72, 240},
			Keep:      365,
		},
	}
}

func testSweeper(t *testing.T) (*Sweeper, *recorder) {
	gate, err := candelete.Gate()
	require.NoError(t, err)
	db := newRecorder()
	return NewSweeper(db, gate, timeutil.RealClock(), testConfig()), db
}

func backdate(t *testing.T, path string, age time.Duration) {
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func sweep(t *testing.T, s *Sweeper, v *vault.Vault) {
	w := &FilesystemWalker{vaults: []*vault.Vault{v}}
	require.NoError(t, s.Sweep(context.Background(), w))
}

func mustInode(t *testing.T, path string) uint64 {
	inode, err := file.Inode(path)
	require.NoError(t, err)
	return inode
}

func TestSweepSoftDeletesExpiredFiles(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	sweep(t, s, v)

	assert.NoFileExists(t, expired)
	require.Len(t, db.deleted, 1)
	assert.Equal(t, expired, db.deleted[0].Path)

	// the limbo copy's clock starts at the soft-deletion
	limboPath := db.deleted[0].Key
	require.FileExists(t, limboPath)
	fi, err := os.Lstat(limboPath)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), fi.ModTime(), time.Minute)
}

func TestSweepWarnsAheadOfDeletion(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	due := writeSource(t, v, "due.txt")
	backdate(t, due, 88*day) // 48 hours left

	sweep(t, s, v)

	assert.FileExists(t, due)
	assert.Empty(t, db.deleted)
	assert.Empty(t, db.warnings[24*time.Hour])
	assert.Len(t, db.warnings[72*time.Hour], 1)
	assert.Len(t, db.warnings[240*time.Hour], 1)
}

func TestSweepIgnoresYoungUntrackedFiles(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	young := writeSource(t, v, "young.txt")
	backdate(t, young, 30*day)

	sweep(t, s, v)

	assert.FileExists(t, young)
	assert.Empty(t, db.deleted)
	assert.Empty(t, db.warnings)
}

func TestSweepDryRun(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)
	s.DryRun = true

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	sweep(t, s, v)

	assert.FileExists(t, expired)
	assert.Empty(t, db.deleted)
}

func TestSweepSkipsLockedFiles(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	lock, err := file.TryLock(expired)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	sweep(t, s, v)

	assert.FileExists(t, expired)
	assert.Empty(t, db.deleted)
}

func TestSweepSurvivesUnavailableVaultLock(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	// a closed vault cannot be locked; the sweep logs and carries on
	require.NoError(t, v.Close())

	sweep(t, s, v)

	assert.NoFileExists(t, expired)
	require.Len(t, db.deleted, 1)
}

func TestSweepAbortsOnDeciderDisagreement(t *testing.T) {
	v := testVaultAt(t)
	db := newRecorder()

	agree := func(threshold, age time.Duration) bool { return age >= threshold }
	alsoAgree := func(threshold, age time.Duration) bool { return threshold <= age }
	dissent := func(threshold, age time.Duration) bool { return false }
	gate, err := quorum.NewGate(agree, alsoAgree, dissent)
	require.NoError(t, err)
	s := NewSweeper(db, gate, timeutil.RealClock(), testConfig())

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	w := &FilesystemWalker{vaults: []*vault.Vault{v}}
	err = s.Sweep(context.Background(), w)
	assert.ErrorIs(t, err, quorum.ErrNoConsensus)

	// nothing may be touched once the deciders fall out
	assert.FileExists(t, expired)
	assert.Empty(t, db.deleted)
}

func TestSweepAbortsWhenOverdueFileRejected(t *testing.T) {
	v := testVaultAt(t)
	db := newRecorder()

	// unanimous, but wrong: a file the sweeper believes overdue must
	// never be waved through, and the run cannot be trusted after it
	no := func(threshold, age time.Duration) bool { return false }
	alsoNo := func(threshold, age time.Duration) bool { return age < threshold }
	stillNo := func(threshold, age time.Duration) bool { return !(age >= threshold) }
	gate, err := quorum.NewGate(no, alsoNo, stillNo)
	require.NoError(t, err)
	s := NewSweeper(db, gate, timeutil.RealClock(), testConfig())

	expired := writeSource(t, v, "expired.txt")
	backdate(t, expired, 100*day)

	w := &FilesystemWalker{vaults: []*vault.Vault{v}}
	err = s.Sweep(context.Background(), w)
	assert.ErrorIs(t, err, quorum.ErrNoConsensus)

	assert.FileExists(t, expired)
	assert.Empty(t, db.deleted)
}

func TestSweepStagesArchiveFiles(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	archived := writeSource(t, v, "archived.txt")
	require.NoError(t, v.Add(vault.Archive, archived))
	inode := mustInode(t, archived)

	sweep(t, s, v)

	assert.NoFileExists(t, archived)
	branch, found, err := v.Lookup(inode)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vault.Staged, branch)

	require.Len(t, db.staged, 1)
	assert.Equal(t, archived, db.staged[0].Path)
	assert.FileExists(t, db.staged[0].Key)
}

func TestSweepStagesStashWithoutDeletingSource(t *testing.T) {
	v := testVaultAt(t)
	s, db := testSweeper(t)

	stashed := writeSource(t, v, "stashed.txt")
	require.NoError(t, v.Add(vault.Stash, stashed))
	inode := mustInode(t, stashed)

	sweep(t, s, v)

	assert.FileExists(t, stashed)
	branch, found, err := v.Lookup(inode)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vault.Staged, branch)
	assert.Len(t, db.staged, 1)
}

func TestSweepUntracksOldKeptFiles(t *testing.T) {
	v := testVaultAt(t)
	s, _ := testSweeper(t)

	kept := writeSource(t, v, "kept.txt")
	require.NoError(t, v.Add(vault.Keep, kept))
	backdate(t, kept, 400*day)

	sweep(t, s, v)

	assert.FileExists(t, kept)
	_, found, err := v.Lookup(mustInode(t, kept))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweepKeepsYoungKeptFiles(t *testing.T) {
	v := testVaultAt(t)
	s, _ := testSweeper(t)

	kept := writeSource(t, v, "kept.txt")
	require.NoError(t, v.Add(vault.Keep, kept))
	backdate(t, kept, 100*day)

	sweep(t, s, v)

	branch, found, err := v.Lookup(mustInode(t, kept))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vault.Keep, branch)
}

func TestSweepHardDeletesAgedLimboFiles(t *testing.T) {
	v := testVaultAt(t)
	s, _ := testSweeper(t)

	doomed := writeSource(t, v, "doomed.txt")
	limboPath, err := v.Link(vault.Limbo, doomed)
	require.NoError(t, err)
	require.NoError(t, os.Remove(doomed))
	backdate(t, limboPath, 20*day)

	sweep(t, s, v)

	assert.NoFileExists(t, limboPath)
}

func TestSweepSparesFreshLimboFiles(t *testing.T) {
	v := testVaultAt(t)
	s, _ := testSweeper(t)

	doomed := writeSource(t, v, "doomed.txt")
	limboPath, err := v.Link(vault.Limbo, doomed)
	require.NoError(t, err)
	require.NoError(t, os.Remove(doomed))
	backdate(t, limboPath, 2*day)

	sweep(t, s, v)

	assert.FileExists(t, limboPath)
}

func TestSweepDropsOrphanedVaultCopies(t *testing.T) {
	v := testVaultAt(t)
	s, _ := testSweeper(t)

	gone := writeSource(t, v, "gone.txt")
	require.NoError(t, v.Add(vault.Archive, gone))
	inode := mustInode(t, gone)
	require.NoError(t, os.Remove(gone))

	sweep(t, s, v)

	_, found, err := v.Lookup(inode)
	require.NoError(t, err)
	assert.False(t, found)
}
