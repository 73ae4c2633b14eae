package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instsync/internal/instance"
)

type fakeCurseforge struct {
	files []CurseforgeFile
	err   error
	calls atomic.Int64
}

func (f *fakeCurseforge) GetFilesByIDs(ctx context.Context, ids []int) ([]CurseforgeFile, error) {
	f.calls.Add(1)
	return f.files, f.err
}

type fakeModrinth struct {
	byID   []ModrinthVersion
	byHash map[string]ModrinthVersion
	err    error
}

func (f *fakeModrinth) GetVersionsByIDs(ctx context.Context, ids []string) ([]ModrinthVersion, error) {
	return f.byID, f.err
}

func (f *fakeModrinth) GetVersionsByHash(ctx context.Context, hashes []string, algo string) (map[string]ModrinthVersion, error) {
	return f.byHash, f.err
}

func manifest() []instance.File {
	return []instance.File{
		{Path: "mods/cf.jar", Hashes: map[string]string{"sha1": "c1"}, Curseforge: &instance.CurseforgeRef{ProjectID: 1, FileID: 3456789}},
		{Path: "mods/mr.jar", Hashes: map[string]string{"sha1": "m1"}, Modrinth: &instance.ModrinthRef{ProjectID: "p", VersionID: "v1"}},
		{Path: "mods/anon.jar", Hashes: map[string]string{"sha1": "a1"}},
		{Path: "mods/direct.jar", Hashes: map[string]string{"sha1": "d1"}, Downloads: []string{"https://x/direct.jar"}},
	}
}

func TestResolveFillsEachProvider(t *testing.T) {
	cf := &fakeCurseforge{files: []CurseforgeFile{{ID: 3456789, FileName: "cf mod.jar"}}}
	mr := &fakeModrinth{
		byID: []ModrinthVersion{{ID: "v1", Files: []ModrinthFile{
			{URL: "https://cdn.modrinth.com/other.jar", Hashes: map[string]string{"sha1": "zz"}, Primary: true},
			{URL: "https://cdn.modrinth.com/mr.jar", Hashes: map[string]string{"sha1": "m1"}},
		}}},
		byHash: map[string]ModrinthVersion{"a1": {ID: "v9", ProjectID: "p9", Files: []ModrinthFile{{URL: "https://cdn.modrinth.com/anon.jar", Primary: true}}}},
	}
	in := manifest()
	out, err := New(cf, mr, nil).Resolve(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://edge.forgecdn.net/files/3456/789/cf%20mod.jar"}, out[0].Downloads)
	assert.Equal(t, []string{"https://cdn.modrinth.com/mr.jar"}, out[1].Downloads)
	assert.Equal(t, []string{"https://cdn.modrinth.com/anon.jar"}, out[2].Downloads)
	require.NotNil(t, out[2].Modrinth)
	assert.Equal(t, "v9", out[2].Modrinth.VersionID)
	assert.Equal(t, []string{"https://x/direct.jar"}, out[3].Downloads)

	assert.Empty(t, in[0].Downloads, "input must not be modified")
	assert.Nil(t, in[2].Modrinth)
}

func TestResolveProviderFailureIsIsolated(t *testing.T) {
	cf := &fakeCurseforge{err: errors.New("curseforge down")}
	mr := &fakeModrinth{byID: []ModrinthVersion{{ID: "v1", Files: []ModrinthFile{{URL: "https://cdn/mr.jar", Primary: true}}}}}

	out, err := New(cf, mr, nil).Resolve(context.Background(), manifest())
	require.NoError(t, err)
	assert.Empty(t, out[0].Downloads)
	assert.Equal(t, []string{"https://cdn/mr.jar"}, out[1].Downloads)
}

func TestResolveIsIdempotent(t *testing.T) {
	cf := &fakeCurseforge{files: []CurseforgeFile{{ID: 3456789, DownloadURL: "https://cf/a.jar"}}}
	r := New(cf, nil, nil)
	once, err := r.Resolve(context.Background(), manifest())
	require.NoError(t, err)
	twice, err := r.Resolve(context.Background(), once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, int64(1), cf.calls.Load(), "resolved files are not looked up again")
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cf := &fakeCurseforge{err: context.Canceled}
	_, err := New(cf, nil, nil).Resolve(ctx, manifest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNeedsResolution(t *testing.T) {
	assert.True(t, NeedsResolution(instance.File{Path: "a", Downloads: []string{"peer://x"}}))
	assert.False(t, NeedsResolution(instance.File{Path: "a", Downloads: []string{"file:///tmp/a"}}))
	assert.False(t, NeedsResolution(instance.File{Path: "dir/"}))
}

func TestHTTPClientsBatchAndAuthenticate(t *testing.T) {
	var cfBatches, hashBatches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/mods/files":
			assert.Equal(t, "secret", r.Header.Get("x-api-key"))
			var body struct {
				FileIDs []int `json:"fileIds"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.LessOrEqual(t, len(body.FileIDs), BatchSize)
			cfBatches.Add(1)
			data := make([]CurseforgeFile, 0, len(body.FileIDs))
			for _, id := range body.FileIDs {
				data = append(data, CurseforgeFile{ID: id, DownloadURL: "https://cf/x"})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		case "/v2/versions":
			var ids []string
			require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("ids")), &ids))
			out := make([]ModrinthVersion, 0, len(ids))
			for _, id := range ids {
				out = append(out, ModrinthVersion{ID: id})
			}
			_ = json.NewEncoder(w).Encode(out)
		case "/v2/version_files":
			hashBatches.Add(1)
			var body struct {
				Hashes    []string `json:"hashes"`
				Algorithm string   `json:"algorithm"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "sha1", body.Algorithm)
			out := map[string]ModrinthVersion{}
			for _, h := range body.Hashes {
				out[h] = ModrinthVersion{ID: "v-" + h}
			}
			_ = json.NewEncoder(w).Encode(out)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ids := make([]int, 250)
	for i := range ids {
		ids[i] = i + 1
	}
	cf := NewCurseforge(ClientOptions{BaseURL: srv.URL, APIKey: "secret"})
	files, err := cf.GetFilesByIDs(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, files, 250)
	assert.Equal(t, int64(3), cfBatches.Load())

	mr := NewModrinth(ClientOptions{BaseURL: srv.URL, RequestsPerSecond: 100})
	versions, err := mr.GetVersionsByIDs(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	byHash, err := mr.GetVersionsByHash(context.Background(), []string{"h1"}, "sha1")
	require.NoError(t, err)
	assert.Equal(t, "v-h1", byHash["h1"].ID)
	assert.Equal(t, int64(1), hashBatches.Load())
}

func TestHTTPClientReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewCurseforge(ClientOptions{BaseURL: srv.URL}).GetFilesByIDs(context.Background(), []int{1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
