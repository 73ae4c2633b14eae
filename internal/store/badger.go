package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"instsync/internal/file"
)

const (
	keyPrefix       = "r:"
	conflictRetries = 5
	writeStripes    = 64
)

var _ Store = (*BadgerStore)(nil)

// Config configures a BadgerStore.
type Config struct {
	// Dir holds the blobs/ tree and, unless InMemory, the index/ database.
	Dir string
	// InMemory keeps the index in memory. Blobs are still written to Dir.
	InMemory    bool
	LinkTimeout time.Duration
}

// BadgerStore implements Store with a badger index and a sharded blob tree.
type BadgerStore struct {
	db          *badger.DB
	dir         string
	linkTimeout time.Duration
	inserts     singleflight.Group
	// index writes for one hash are serialised on its stripe
	writeLocks [writeStripes]sync.Mutex
}

// Open opens or creates the store under cfg.Dir.
func Open(ctx context.Context, cfg Config) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, errors.New("store dir is required")
	}
	if err := file.EnsureDir(filepath.Join(cfg.Dir, "blobs")); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(cfg.Dir, "index"))
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Dir, err)
	}
	linkTimeout := cfg.LinkTimeout
	if linkTimeout <= 0 {
		linkTimeout = file.DefaultLinkTimeout
	}
	return &BadgerStore{db: db, dir: cfg.Dir, linkTimeout: linkTimeout}, nil
}

func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close() //nolint:wrapcheck
}

func resourceKey(hash string) []byte { return []byte(keyPrefix + strings.ToLower(hash)) }

func (s *BadgerStore) BlobPath(hash string) string {
	hash = strings.ToLower(hash)
	if len(hash) < 2 {
		return filepath.Join(s.dir, "blobs", hash)
	}
	return filepath.Join(s.dir, "blobs", hash[:2], hash)
}

func (s *BadgerStore) Lookup(ctx context.Context, hash string) (Resource, bool, error) {
	if err := ctx.Err(); err != nil {
		return Resource{}, false, err
	}
	if hash == "" {
		return Resource{}, false, nil
	}
	var (
		res   Resource
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resourceKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	if err != nil {
		return Resource{}, false, fmt.Errorf("lookup %s: %w", hash, err)
	}
	return res, found, nil
}

func (s *BadgerStore) Insert(ctx context.Context, path string, meta Metadata, uris []string) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return Resource{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Resource{}, fmt.Errorf("insert %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Resource{}, fmt.Errorf("insert %s: %w", path, ErrNotRegular)
	}
	sums, err := file.HashFile(path)
	if err != nil {
		return Resource{}, err
	}
	hash := sums[file.SHA1]

	v, err, _ := s.inserts.Do(hash, func() (any, error) {
		return s.insert(ctx, hash, path, info.Size(), meta, uris)
	})
	if err != nil {
		return Resource{}, err
	}
	res := v.(Resource)
	// callers collapsed into another insert still contribute their origins
	if extra, changed := mergeURIs(append([]string(nil), res.URIs...), uris); changed {
		if err := s.AddURIs(ctx, hash, uris); err != nil {
			return res, err
		}
		res.URIs = extra
	}
	return res, nil
}

func (s *BadgerStore) insert(ctx context.Context, hash, path string, size int64, meta Metadata, uris []string) (Resource, error) {
	blob := s.BlobPath(hash)
	if !file.Exists(blob) {
		if _, err := file.LinkOrCopy(ctx, path, blob, s.linkTimeout); err != nil {
			return Resource{}, fmt.Errorf("store blob %s: %w", hash, err)
		}
	}
	info, err := os.Stat(blob)
	if err != nil {
		return Resource{}, fmt.Errorf("stat blob %s: %w", hash, err)
	}

	now := time.Now().UTC()
	var res Resource
	err = s.update(hash, func(txn *badger.Txn) error {
		existing, found, err := getResource(txn, hash)
		if err != nil {
			return err
		}
		if found {
			res = existing
		} else {
			res = Resource{Hash: hash, StoredAt: now}
		}
		res.Path = blob
		res.Ino = file.Inode(info)
		res.Size = size
		res.TouchedAt = now
		res.URIs, _ = mergeURIs(res.URIs, uris)
		res.Metadata = mergeMetadata(res.Metadata, meta)
		return putResource(txn, res)
	})
	if err != nil {
		return Resource{}, fmt.Errorf("index %s: %w", hash, err)
	}
	log.Debug().Str("hash", hash).Str("source", path).Msg("resource stored")
	return res, nil
}

func (s *BadgerStore) Touch(ctx context.Context, res Resource) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	blob := s.BlobPath(res.Hash)
	info, statErr := os.Stat(blob)
	alive := statErr == nil && info.Mode().IsRegular()

	err := s.update(res.Hash, func(txn *badger.Txn) error {
		if !alive {
			return txn.Delete(resourceKey(res.Hash))
		}
		current, found, err := getResource(txn, res.Hash)
		if err != nil || !found {
			return err
		}
		current.TouchedAt = time.Now().UTC()
		current.Ino = file.Inode(info)
		return putResource(txn, current)
	})
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", res.Hash, err)
	}
	if !alive {
		log.Info().Str("hash", res.Hash).Msg("resource blob missing, index entry dropped")
	}
	return alive, nil
}

func (s *BadgerStore) AddURIs(ctx context.Context, hash string, uris []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(hash, func(txn *badger.Txn) error {
		res, found, err := getResource(txn, hash)
		if err != nil || !found {
			return err
		}
		var changed bool
		res.URIs, changed = mergeURIs(res.URIs, uris)
		if !changed {
			return nil
		}
		return putResource(txn, res)
	})
	if err != nil {
		return fmt.Errorf("add uris %s: %w", hash, err)
	}
	return nil
}

// update runs fn in a read-write transaction while holding the write stripe
// of hash. Conflicts left over from readers racing the commit are retried.
func (s *BadgerStore) update(hash string, fn func(txn *badger.Txn) error) error {
	mu := s.writeLock(hash)
	mu.Lock()
	defer mu.Unlock()

	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err //nolint:wrapcheck
		}
	}
	return err //nolint:wrapcheck
}

func (s *BadgerStore) writeLock(hash string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(hash)))
	return &s.writeLocks[h.Sum32()%writeStripes]
}

// Len counts indexed resources.
func (s *BadgerStore) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err //nolint:wrapcheck
}

func getResource(txn *badger.Txn, hash string) (Resource, bool, error) {
	item, err := txn.Get(resourceKey(hash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, err //nolint:wrapcheck
	}
	var res Resource
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &res) }); err != nil {
		return Resource{}, false, fmt.Errorf("decode resource: %w", err)
	}
	return res, true, nil
}

func putResource(txn *badger.Txn, res Resource) error {
	val, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	return txn.Set(resourceKey(res.Hash), val) //nolint:wrapcheck
}

func mergeMetadata(existing, incoming Metadata) Metadata {
	if existing.FileName == "" {
		existing.FileName = incoming.FileName
	}
	if existing.Curseforge == nil && incoming.Curseforge != nil {
		cf := *incoming.Curseforge
		existing.Curseforge = &cf
	}
	if existing.Modrinth == nil && incoming.Modrinth != nil {
		mr := *incoming.Modrinth
		existing.Modrinth = &mr
	}
	return existing
}
