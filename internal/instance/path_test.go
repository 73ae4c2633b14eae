package instance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	ok := []string{"mods/a.jar", "config/", "./options.txt", "a/../b.txt"}
	for _, p := range ok {
		assert.NoError(t, ValidatePath(p), p)
	}

	bad := []string{"", "../escape.jar", "mods/../../x", "/etc/passwd", `..\evil.dll`}
	for _, p := range bad {
		err := ValidatePath(p)
		require.Error(t, err, p)
		var pathErr *InvalidPathError
		assert.True(t, errors.As(err, &pathErr), p)
	}
	assert.ErrorIs(t, ValidatePath("../x"), ErrPathEscapesRoot)
}

func TestResolveStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "mods/a.jar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "mods", "a.jar"), got)

	_, err = Resolve(root, "mods/../../a.jar")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestParseOrigin(t *testing.T) {
	o, err := ParseOrigin("https://cdn.example.org/a.jar")
	require.NoError(t, err)
	assert.Equal(t, OriginHTTP, o.Kind)

	o, err = ParseOrigin("file:///tmp/cache/a.jar")
	require.NoError(t, err)
	assert.Equal(t, OriginFile, o.Kind)
	assert.Equal(t, "/tmp/cache/a.jar", o.Path)

	o, err = ParseOrigin("zip:///tmp/pack.zip?entry=overrides%2Fmods%2Fa.jar")
	require.NoError(t, err)
	assert.Equal(t, OriginZip, o.Kind)
	assert.Equal(t, "/tmp/pack.zip", o.Path)
	assert.Equal(t, "overrides/mods/a.jar", o.Entry)

	o, err = ParseOrigin("zip://AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D?entry=a.jar")
	require.NoError(t, err)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", o.Hash)
	assert.Empty(t, o.Path)

	_, err = ParseOrigin("zip:///tmp/pack.zip")
	assert.ErrorIs(t, err, ErrBadOrigin)
	_, err = ParseOrigin("ftp://x")
	assert.ErrorIs(t, err, ErrBadOrigin)

	assert.Equal(t, OriginPeer, KindOf("peer://swarm/abc"))
	o, err = ParseOrigin("peer://swarm/abc")
	require.NoError(t, err)
	assert.Equal(t, OriginPeer, o.Kind)
	_, err = ParseOrigin("peer://")
	assert.ErrorIs(t, err, ErrBadOrigin)
	_, err = ParseOrigin("peer:///")
	assert.ErrorIs(t, err, ErrBadOrigin)
	_, err = ParseOrigin("peer://%zz/abc")
	assert.ErrorIs(t, err, ErrBadOrigin)
}

func TestWithDownloadsDeduplicatesAndCopies(t *testing.T) {
	orig := File{Path: "a", Downloads: []string{"https://x/a"}}
	next := orig.WithDownloads("https://x/a", "https://y/a", "")
	assert.Equal(t, []string{"https://x/a", "https://y/a"}, next.Downloads)
	assert.Equal(t, []string{"https://x/a"}, orig.Downloads)
}

func TestProbeHashesOnlyNamedPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mods"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mods", "a.jar"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "unrelated.txt"), []byte("x"), 0o600))

	manifest := []File{
		{Path: "mods/a.jar", Hashes: map[string]string{"sha256": "whatever"}},
		{Path: "mods/missing.jar"},
		{Path: "../outside"},
	}
	current, err := Probe(context.Background(), root, manifest)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "mods/a.jar", current[0].Path)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", current[0].Hashes["sha1"])
	assert.NotEmpty(t, current[0].Hashes["sha256"])
	assert.Equal(t, int64(5), current[0].Size)
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"mods/a.jar":     "mods/a.jar",
		"./mods/a.jar":   "mods/a.jar",
		"mods//a.jar":    "mods/a.jar",
		`mods\a.jar`:     "mods/a.jar",
		"config/":        "config/",
		"./config//":     "config/",
		"a/b/../c.txt":   "a/c.txt",
		`resourcepacks\`: "resourcepacks/",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanPath(in), in)
	}
	assert.Error(t, ValidatePath("./"))
}

func TestCanonicalizeRejectsAliasedEntries(t *testing.T) {
	files := []File{
		{Path: "mods/a.jar", Hashes: map[string]string{"sha1": "h1"}},
		{Path: `mods\a.jar`, Hashes: map[string]string{"sha1": "h2"}},
		{Path: "./config/b.txt", Hashes: map[string]string{"sha1": "h3"}},
		{Path: "../escape"},
	}
	out, invalid := Canonicalize(files)
	require.Len(t, out, 1)
	assert.Equal(t, "config/b.txt", out[0].Path)
	assert.Equal(t, "./config/b.txt", files[2].Path, "input is not modified")

	require.Len(t, invalid, 3)
	assert.ErrorIs(t, invalid[0], ErrDuplicatePath)
	assert.Equal(t, "mods/a.jar", invalid[0].Path)
	assert.ErrorIs(t, invalid[1], ErrDuplicatePath)
	assert.Equal(t, `mods\a.jar`, invalid[1].Path)
	assert.ErrorIs(t, invalid[2], ErrPathEscapesRoot)
}
