package mail

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/vault/core"
	"github.com/wtsi-hgi/vault/idm"
	"github.com/wtsi-hgi/vault/persistence"
)

func TestGzippedFOFN(t *testing.T) {
	paths := []string{
		"/lustre/projects/alpha/data1.bam",
		"/lustre/projects/alpha/data2.bam",
	}
	attachment, err := GzippedFOFN("staged.fofn.gz", paths)
	require.NoError(t, err)
	assert.Equal(t, "application/gzip", attachment.MIME)

	gz, err := gzip.NewReader(bytes.NewReader(attachment.Data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(paths, "\n")+"\n", string(raw))
}

func TestNotification(t *testing.T) {
	msg, err := Notification(&idm.User{UID: 1001, Name: "alice"}, Context{
		Warned: []WarningSummary{{
			TMinus: 72 * time.Hour,
			Groups: []GroupSummary{
				{Group: "alpha", Path: "/lustre/projects/alpha", Count: 12, Size: 3 * core.Gibi},
			},
		}},
		Deleted: []GroupSummary{
			{Group: "beta", Path: "/lustre/projects/beta", Count: 2, Size: core.Mebi},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Action Required: Vault Summary", msg.Subject)
	assert.Contains(t, msg.Body, "Dear alice")
	assert.Contains(t, msg.Body, "DELETED in 3 days")
	assert.Contains(t, msg.Body, "12 files (3Gi) under /lustre/projects/alpha [alpha]")
	assert.Contains(t, msg.Body, `recovered,
for a limited time`)
	assert.NotContains(t, msg.Body, "staged")
}

type fixedDirectory map[int]*idm.Group

func (f fixedDirectory) User(uid int) (*idm.User, error) { return nil, idm.ErrNoSuchIdentity }
func (f fixedDirectory) Group(gid int) (*idm.Group, error) {
	if g, ok := f[gid]; ok {
		return g, nil
	}
	return nil, idm.ErrNoSuchIdentity
}

func TestSummarise(t *testing.T) {
	directory := fixedDirectory{
		2001: {GID: 2001, Name: "alpha"},
		2002: {GID: 2002, Name: "beta"},
	}

	summaries, err := Summarise([]*persistence.File{
		{Path: "/lustre/alpha/run1/a.bam", Size: 100, Group: 2001},
		{Path: "/lustre/alpha/run2/b.bam", Size: 200, Group: 2001},
		{Path: "/lustre/beta/c.bam", Size: 50, Group: 2002},
	}, directory)
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, GroupSummary{
		Group: "alpha", Path: "/lustre/alpha", Count: 2, Size: 300,
	}, summaries[0])
	assert.Equal(t, GroupSummary{
		Group: "beta", Path: "/lustre/beta", Count: 1, Size: 50,
	}, summaries[1])
}

func TestCommonPath(t *testing.T) {
	for _, test := range []struct{ a, b, want string }{
		{"/a/b/c", "/a/b/d", "/a/b"},
		{"/a/b", "/a/b", "/a/b"},
		{"/a/b", "/x/y", "/"},
	} {
		assert.Equal(t, test.want, commonPath(test.a, test.b))
	}
}
