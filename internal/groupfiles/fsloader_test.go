package groupfiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDirRecursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "token.yml"), `
name: token-accounts
description: spl token accounts of one mint
filters:
  - dataSize: 165
  - memcmp:
      offset: 0
      bytes: "Ldp"
`)
	writeFile(t, filepath.Join(root, "nested", "raw.yaml"), `
name: raw-bytes
filters:
  - memcmp:
      offset: 4
      bytes: [1, 2, 3]
`)
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")

	files, err := LoadDirRecursive(root)
	require.NoError(t, err)
	require.Len(t, files, 2)

	// WalkDir visits nested/ before token.yml
	require.Equal(t, filepath.Join(root, "nested", "raw.yaml"), files[0].Path)
	require.NoError(t, files[0].Err)
	require.Equal(t, "raw-bytes", files[0].Spec.Name)
	require.NoError(t, files[1].Err)
	require.Equal(t, "token-accounts", files[1].Spec.Name)

	g, err := files[1].Spec.Group()
	require.NoError(t, err)
	size, ok := g.DataSize()
	require.True(t, ok)
	require.Equal(t, uint64(165), size)
	require.Equal(t, []filter.Memcmp{{Offset: 0, Bytes: []byte{1, 2, 3}}}, g.Memcmps())

	g, err = files[0].Spec.Group()
	require.NoError(t, err)
	require.True(t, g.Matches([]byte{0, 0, 0, 0, 1, 2, 3}))
}

func TestLoadDirRecursiveKeepsGoingPastBadFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a_empty.yml"), "name: nothing\nfilters: []\n")
	writeFile(t, filepath.Join(root, "b_broken.yml"), "name: [unterminated\n")
	writeFile(t, filepath.Join(root, "c_good.yml"), "name: sized\nfilters:\n  - dataSize: 165\n")

	files, err := LoadDirRecursive(root)
	require.NoError(t, err)
	require.Len(t, files, 3)

	require.ErrorIs(t, files[0].Err, filter.ErrEmpty)
	require.Error(t, files[1].Err)
	require.NoError(t, files[2].Err)
	require.Equal(t, "sized", files[2].Spec.Name)
}

func TestLoadDirRecursiveMissingRoot(t *testing.T) {
	_, err := LoadDirRecursive(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
