package instance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"instsync/internal/file"
)

const probeConcurrency = 8

// Probe reports the on-disk state of the paths named by the given manifests.
// Only those paths are read, and each is hashed with sha1 plus whatever
// algorithms the manifests declare for it. Missing paths and directories are
// omitted; invalid paths are skipped here and rejected by the caller.
// Returned paths are canonical.
func Probe(ctx context.Context, root string, manifests ...[]File) ([]File, error) {
	algos := make(map[string]map[string]struct{})
	for _, files := range manifests {
		for _, f := range files {
			if f.IsDir() || ValidatePath(f.Path) != nil {
				continue
			}
			rel := CleanPath(f.Path)
			set, ok := algos[rel]
			if !ok {
				set = make(map[string]struct{})
				algos[rel] = set
			}
			for algo := range f.Hashes {
				if file.Supported(algo) {
					set[algo] = struct{}{}
				}
			}
		}
	}

	paths := make([]string, 0, len(algos))
	for p := range algos {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		mu  sync.Mutex
		out = make([]File, 0, len(paths))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, rel := range paths {
		rel := rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			abs, err := Resolve(root, rel)
			if err != nil {
				return nil
			}
			info, err := os.Stat(abs)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return fmt.Errorf("stat %s: %w", rel, err)
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			want := make([]string, 0, len(algos[rel]))
			for algo := range algos[rel] {
				want = append(want, algo)
			}
			sums, err := file.HashFile(abs, want...)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, File{Path: rel, Hashes: sums, Size: info.Size()})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
