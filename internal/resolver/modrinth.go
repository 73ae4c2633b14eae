package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const DefaultModrinthURL = "https://api.modrinth.com"

type ModrinthHTTP struct {
	httpCatalog
}

func NewModrinth(opts ClientOptions) *ModrinthHTTP {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultModrinthURL
	}
	return &ModrinthHTTP{httpCatalog: newHTTPCatalog("modrinth", opts)}
}

// GetVersionsByIDs queries /v2/versions?ids=[...] in batches.
func (c *ModrinthHTTP) GetVersionsByIDs(ctx context.Context, ids []string) ([]ModrinthVersion, error) {
	var out []ModrinthVersion
	for _, batch := range chunks(ids, BatchSize) {
		encoded, err := json.Marshal(batch)
		if err != nil {
			return out, fmt.Errorf("encode ids: %w", err)
		}
		var versions []ModrinthVersion
		path := "/v2/versions?ids=" + url.QueryEscape(string(encoded))
		if err := c.do(ctx, http.MethodGet, path, nil, &versions); err != nil {
			return out, err
		}
		out = append(out, versions...)
	}
	return out, nil
}

// GetVersionsByHash posts hashes to /v2/version_files in batches.
func (c *ModrinthHTTP) GetVersionsByHash(ctx context.Context, hashes []string, algo string) (map[string]ModrinthVersion, error) {
	out := make(map[string]ModrinthVersion, len(hashes))
	for _, batch := range chunks(hashes, BatchSize) {
		body := struct {
			Hashes    []string `json:"hashes"`
			Algorithm string   `json:"algorithm"`
		}{Hashes: batch, Algorithm: algo}
		var versions map[string]ModrinthVersion
		if err := c.do(ctx, http.MethodPost, "/v2/version_files", body, &versions); err != nil {
			return out, err
		}
		for hash, v := range versions {
			out[hash] = v
		}
	}
	return out, nil
}
