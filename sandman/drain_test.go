package sandman

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/persistence"
)

func fakeHandler(t *testing.T, script string) string {
	path := filepath.Join(t.TempDir(), "handler")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// fakeQueue stands in for the database's staged backlog
type fakeQueue struct {
	staged []*persistence.File
	purged []*persistence.File
}

func (q *fakeQueue) StagedQueue(context.Context) ([]*persistence.File, error) {
	return q.staged, nil
}

func (q *fakeQueue) Purge(_ context.Context, files []*persistence.File) error {
	q.purged = append(q.purged, files...)
	return nil
}

func stagedQueue(t *testing.T, n int) *fakeQueue {
	q := &fakeQueue{}
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		key := filepath.Join(dir, "staged"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(key, []byte("x"), 0o660))
		q.staged = append(q.staged, &persistence.File{Key: key, Size: 1})
	}
	return q
}

func TestDrainPurgesAfterCleanHandoff(t *testing.T) {
	q := stagedQueue(t, 2)
	received := filepath.Join(t.TempDir(), "received")
	d := NewDrainer(q, config.Archive{
		Handler: fakeHandler(t, `[ "$1" = ready ] && exit 0; cat > `+received),
	})

	require.NoError(t, d.Drain(context.Background(), false))

	assert.Equal(t, q.staged, q.purged)
	raw, err := os.ReadFile(received)
	require.NoError(t, err)
	assert.Equal(t, q.staged[0].Key+"\x00"+q.staged[1].Key+"\x00", string(raw))
}

func TestDrainToleratesBusyHandler(t *testing.T) {
	q := stagedQueue(t, 1)
	d := NewDrainer(q, config.Archive{Handler: fakeHandler(t, "exit 1")})

	require.NoError(t, d.Drain(context.Background(), false))
	assert.Empty(t, q.purged)
}

func TestDrainToleratesFullHandler(t *testing.T) {
	q := stagedQueue(t, 1)
	d := NewDrainer(q, config.Archive{Handler: fakeHandler(t, "exit 2")})

	// out of capacity is as transient as busy: no error, queue intact
	require.NoError(t, d.Drain(context.Background(), false))
	assert.Empty(t, q.purged)
}

func TestDrainFailsOnBrokenHandler(t *testing.T) {
	q := stagedQueue(t, 1)
	d := NewDrainer(q, config.Archive{Handler: fakeHandler(t, "exit 3")})

	assert.ErrorIs(t, d.Drain(context.Background(), false), ErrHandler)
	assert.Empty(t, q.purged)
}

func TestDrainRespectsThreshold(t *testing.T) {
	q := stagedQueue(t, 1)
	touched := filepath.Join(t.TempDir(), "touched")
	cfg := config.Archive{
		Handler:   fakeHandler(t, "cat > /dev/null; touch "+touched),
		Threshold: 10,
	}

	require.NoError(t, NewDrainer(q, cfg).Drain(context.Background(), false))
	assert.NoFileExists(t, touched, "handler must not run below the threshold")
	assert.Empty(t, q.purged)

	// force ignores the threshold
	require.NoError(t, NewDrainer(q, cfg).Drain(context.Background(), true))
	assert.FileExists(t, touched)
	assert.Equal(t, q.staged, q.purged)
}

func TestPreflight(t *testing.T) {
	for _, test := range []struct {
		script string
		want   error
	}{
		{"exit 0", nil},
		{"exit 1", ErrHandlerBusy},
		{"exit 2", ErrHandlerFull},
		{"exit 3", ErrHandler},
	} {
		d := NewDrainer(nil, config.Archive{Handler: fakeHandler(t, test.script)})
		err := d.preflight(context.Background(), 1024)
		if test.want == nil {
			assert.NoError(t, err, test.script)
		} else {
			assert.ErrorIs(t, err, test.want, test.script)
		}
	}
}

func TestPreflightArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	d := NewDrainer(nil, config.Archive{
		Handler: fakeHandler(t, `echo "$1 $2" > `+out),
	})
	require.NoError(t, d.preflight(context.Background(), 4096))

	args, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ready 4096", strings.TrimSpace(string(args)))
}

func TestConsume(t *testing.T) {
	staged := make([]*persistence.File, 2)
	dir := t.TempDir()
	for i := range staged {
		key := filepath.Join(dir, "staged"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(key, []byte("x"), 0o660))
		staged[i] = &persistence.File{Key: key}
	}
	// vanished files are skipped, not fatal
	staged = append(staged, &persistence.File{Key: filepath.Join(dir, "missing")})

	received := filepath.Join(dir, "received")
	d := NewDrainer(nil, config.Archive{
		Handler: fakeHandler(t, "cat > "+received),
	})
	require.NoError(t, d.consume(context.Background(), staged))

	raw, err := os.ReadFile(received)
	require.NoError(t, err)
	assert.Equal(t, staged[0].Key+"\x00"+staged[1].Key+"\x00", string(raw))
}

func TestConsumeHandlerFailure(t *testing.T) {
	key := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, os.WriteFile(key, []byte("x"), 0o660))

	d := NewDrainer(nil, config.Archive{
		Handler: fakeHandler(t, "exit 1"),
	})
	err := d.consume(context.Background(), []*persistence.File{{Key: key}})
	assert.ErrorIs(t, err, ErrHandler)
}
