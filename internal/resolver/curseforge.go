package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const DefaultCurseforgeURL = "https://api.curseforge.com"

// curseforgeCDN is used when the API withholds downloadUrl for a file.
const curseforgeCDN = "https://edge.forgecdn.net/files"

type CurseforgeHTTP struct {
	httpCatalog
}

func NewCurseforge(opts ClientOptions) *CurseforgeHTTP {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultCurseforgeURL
	}
	c := newHTTPCatalog("curseforge", opts)
	if opts.APIKey != "" {
		c.headers["x-api-key"] = opts.APIKey
	}
	return &CurseforgeHTTP{httpCatalog: c}
}

// GetFilesByIDs posts the ids to /v1/mods/files in batches.
func (c *CurseforgeHTTP) GetFilesByIDs(ctx context.Context, ids []int) ([]CurseforgeFile, error) {
	var out []CurseforgeFile
	for _, batch := range chunks(ids, BatchSize) {
		var resp struct {
			Data []CurseforgeFile `json:"data"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/mods/files", map[string][]int{"fileIds": batch}, &resp); err != nil {
			return out, err
		}
		out = append(out, resp.Data...)
	}
	return out, nil
}

// URL returns the download location, deriving the CDN location when the
// API left it empty.
func (f CurseforgeFile) URL() string {
	if f.DownloadURL != "" {
		return f.DownloadURL
	}
	if f.ID <= 0 || f.FileName == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d/%s", curseforgeCDN, f.ID/1000, f.ID%1000, url.PathEscape(f.FileName))
}
