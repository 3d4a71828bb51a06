package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFofn(t *testing.T, lines string) string {
	path := filepath.Join(t.TempDir(), "fofn")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o660))
	return path
}

func TestGatherFiles(t *testing.T) {
	files, err := GatherFiles([]string{"a", "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)
}

func TestGatherFilesFofn(t *testing.T) {
	fofn := writeFofn(t, "c\n\n  d  \n")
	files, err := GatherFiles([]string{"a"}, fofn)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, files)
}

func TestGatherFilesNone(t *testing.T) {
	_, err := GatherFiles(nil, "")
	assert.Error(t, err)

	_, err = GatherFiles(nil, writeFofn(t, "\n\n"))
	assert.Error(t, err)
}

func TestGatherFilesCapsArguments(t *testing.T) {
	args := make([]string, maxArgFiles+1)
	for i := range args {
		args[i] = "f"
	}
	_, err := GatherFiles(args, "")
	assert.Error(t, err)

	_, err = GatherFiles(args[:maxArgFiles], "")
	assert.NoError(t, err)
}

func TestGatherFilesMissingFofn(t *testing.T) {
	_, err := GatherFiles([]string{"a"}, filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
