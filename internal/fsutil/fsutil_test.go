package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Agent/internal/fsutil"
	"github.com/stretchr/testify/require"
)

func TestStoreOnce(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "lists")

	path1, err := fsutil.StoreOnce(dir, ".deps", []byte("a\nb\n"))
	require.NoError(t, err)
	require.Equal(t, ".deps", filepath.Ext(path1))
	info1, err := os.Stat(path1)
	require.NoError(t, err)

	path2, err := fsutil.StoreOnce(dir, ".deps", []byte("a\nb\n"))
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	info2, err := os.Stat(path2)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())

	path3, err := fsutil.StoreOnce(dir, ".deps", []byte("b\na\n"))
	require.NoError(t, err)
	require.NotEqual(t, path1, path3)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCopyDir(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "payload")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "file.txt"), []byte("hello"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh"), 0755))
	require.NoError(t, os.Symlink("run.sh", filepath.Join(src, "link")))

	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "bootstrap"), []byte("keep"), 0644))

	require.NoError(t, fsutil.CopyDir(src, dst))

	b, err := os.ReadFile(filepath.Join(dst, "a", "b", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())
	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	require.Equal(t, "run.sh", link)
	require.FileExists(t, filepath.Join(dst, "bootstrap"))

	// source is untouched
	require.FileExists(t, filepath.Join(src, "a", "b", "file.txt"))
}

func TestMove(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "proc", "payload")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "x"), []byte("x"), 0644))

	require.NoError(t, fsutil.Move(src, dst))
	require.NoDirExists(t, src)
	require.FileExists(t, filepath.Join(dst, "x"))
}

func TestShareReadable(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "f"), []byte("x"), 0600))

	require.NoError(t, fsutil.ShareReadable(root))

	info, err := os.Stat(filepath.Join(root, "d"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(root, "d", "f"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestCopyFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	src := filepath.Join(root, "src.jar")
	require.NoError(t, os.WriteFile(src, []byte("jar"), 0640))

	dst := filepath.Join(root, "a", "b", "dst.jar")
	require.NoError(t, fsutil.CopyFile(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "jar", string(b))

	require.Error(t, fsutil.CopyFile(root, filepath.Join(root, "dir")))
}
