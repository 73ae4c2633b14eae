// Package resolver fills in missing download locations for manifest entries
// from the CurseForge and Modrinth catalogs.
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"instsync/internal/file"
	"instsync/internal/instance"
	"instsync/internal/metrics"
)

// Resolver looks up download URLs. A nil client disables that provider.
type Resolver struct {
	curseforge CurseforgeClient
	modrinth   ModrinthClient
	metrics    metrics.Metrics
}

func New(cf CurseforgeClient, mr ModrinthClient, m metrics.Metrics) *Resolver {
	if m == nil {
		m = metrics.Noop()
	}
	return &Resolver{curseforge: cf, modrinth: mr, metrics: m}
}

// NeedsResolution reports whether f has no origin the installer can use
// directly.
func NeedsResolution(f instance.File) bool {
	if f.IsDir() {
		return false
	}
	for _, uri := range f.Downloads {
		switch instance.KindOf(uri) {
		case instance.OriginHTTP, instance.OriginFile, instance.OriginZip:
			return false
		}
	}
	return true
}

// Resolve returns copies of files with catalog URLs appended where they
// were missing. Provider failures are logged and leave the affected files
// unresolved; only cancellation is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, files []instance.File) ([]instance.File, error) {
	out := make([]instance.File, len(files))
	var (
		cfIDs    []int
		mrIDs    []string
		sha1s    []string
		seenCF   = map[int]struct{}{}
		seenMR   = map[string]struct{}{}
		seenHash = map[string]struct{}{}
	)
	for i, f := range files {
		out[i] = f.Clone()
		if !NeedsResolution(f) {
			continue
		}
		switch {
		case f.Curseforge != nil:
			if _, ok := seenCF[f.Curseforge.FileID]; !ok && f.Curseforge.FileID > 0 {
				seenCF[f.Curseforge.FileID] = struct{}{}
				cfIDs = append(cfIDs, f.Curseforge.FileID)
			}
		case f.Modrinth != nil:
			if _, ok := seenMR[f.Modrinth.VersionID]; !ok && f.Modrinth.VersionID != "" {
				seenMR[f.Modrinth.VersionID] = struct{}{}
				mrIDs = append(mrIDs, f.Modrinth.VersionID)
			}
		default:
			if h := f.SHA1(); h != "" {
				if _, ok := seenHash[h]; !ok {
					seenHash[h] = struct{}{}
					sha1s = append(sha1s, h)
				}
			}
		}
	}

	var (
		mu       sync.Mutex
		cfFiles  = map[int]CurseforgeFile{}
		mrByID   = map[string]ModrinthVersion{}
		mrByHash = map[string]ModrinthVersion{}
	)
	g, gctx := errgroup.WithContext(ctx)
	if len(cfIDs) > 0 && r.curseforge != nil {
		g.Go(func() error {
			found, err := r.curseforge.GetFilesByIDs(gctx, cfIDs)
			r.metrics.CatalogRequest("curseforge", err)
			mu.Lock()
			for _, f := range found {
				cfFiles[f.ID] = f
			}
			mu.Unlock()
			return r.providerFailed(gctx, ctx, "curseforge", len(cfIDs), err)
		})
	}
	if len(mrIDs) > 0 && r.modrinth != nil {
		g.Go(func() error {
			found, err := r.modrinth.GetVersionsByIDs(gctx, mrIDs)
			r.metrics.CatalogRequest("modrinth", err)
			mu.Lock()
			for _, v := range found {
				mrByID[v.ID] = v
			}
			mu.Unlock()
			return r.providerFailed(gctx, ctx, "modrinth", len(mrIDs), err)
		})
	}
	if len(sha1s) > 0 && r.modrinth != nil {
		g.Go(func() error {
			found, err := r.modrinth.GetVersionsByHash(gctx, sha1s, file.SHA1)
			r.metrics.CatalogRequest("modrinth-hash", err)
			mu.Lock()
			for h, v := range found {
				mrByHash[strings.ToLower(h)] = v
			}
			mu.Unlock()
			return r.providerFailed(gctx, ctx, "modrinth-hash", len(sha1s), err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, f := range out {
		if !NeedsResolution(f) {
			continue
		}
		var urls []string
		switch {
		case f.Curseforge != nil:
			if cf, ok := cfFiles[f.Curseforge.FileID]; ok {
				urls = append(urls, cf.URL())
			}
		case f.Modrinth != nil:
			if v, ok := mrByID[f.Modrinth.VersionID]; ok {
				urls = versionURLs(v, f.SHA1())
			}
		default:
			if v, ok := mrByHash[f.SHA1()]; ok {
				urls = versionURLs(v, f.SHA1())
				if out[i].Modrinth == nil {
					out[i].Modrinth = &instance.ModrinthRef{ProjectID: v.ProjectID, VersionID: v.ID}
				}
			}
		}
		out[i] = out[i].WithDownloads(urls...)
	}
	return out, nil
}

// providerFailed logs a catalog failure and keeps it from cancelling the
// other lookups. Cancellation of the caller's context is propagated.
func (r *Resolver) providerFailed(gctx, parent context.Context, provider string, n int, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if gctx.Err() != nil {
		return nil
	}
	log.Warn().Str("provider", provider).Int("ids", n).Err(err).Msg("catalog lookup failed, files left unresolved")
	return nil
}

// versionURLs picks the file of v matching sha1, falling back to the
// primary file.
func versionURLs(v ModrinthVersion, sha1 string) []string {
	if sha1 != "" {
		for _, f := range v.Files {
			if strings.EqualFold(f.Hashes[file.SHA1], sha1) {
				return []string{f.URL}
			}
		}
	}
	for _, f := range v.Files {
		if f.Primary {
			return []string{f.URL}
		}
	}
	if len(v.Files) == 1 {
		return []string{v.Files[0].URL}
	}
	return nil
}
