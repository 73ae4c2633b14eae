package install

import (
	"instsync/internal/instance"
	"instsync/internal/store"
)

// Strategy is how one file gets installed.
type Strategy string

const (
	StrategyStore      Strategy = "store"
	StrategyLocal      Strategy = "local"
	StrategyUnzip      Strategy = "unzip"
	StrategyDownload   Strategy = "download"
	StrategyPeer       Strategy = "peer"
	StrategyUnresolved Strategy = "unresolved"
)

// Route is the routing decision for one file.
type Route struct {
	Strategy Strategy
	// Source is the blob path for store hits.
	Source string
	// Origin is the parsed file://, zip:// or peer:// origin in use.
	Origin instance.Origin
	// URLs are the http(s) origins, in manifest order.
	URLs []string
}

// Decide picks the strategy for f. hit is the content store entry for f's
// hash, already checked to have its blob on disk, or nil.
//
// Priority: store, local file as first download, zip entry, http, peer.
func Decide(f instance.File, hit *store.Resource) Route {
	if hit != nil {
		return Route{Strategy: StrategyStore, Source: hit.Path}
	}
	if len(f.Downloads) > 0 && instance.KindOf(f.Downloads[0]) == instance.OriginFile {
		if o, err := instance.ParseOrigin(f.Downloads[0]); err == nil {
			return Route{Strategy: StrategyLocal, Origin: o}
		}
	}
	for _, uri := range f.Downloads {
		if instance.KindOf(uri) != instance.OriginZip {
			continue
		}
		if o, err := instance.ParseOrigin(uri); err == nil {
			return Route{Strategy: StrategyUnzip, Origin: o}
		}
	}
	var urls []string
	for _, uri := range f.Downloads {
		if instance.KindOf(uri) == instance.OriginHTTP {
			urls = append(urls, uri)
		}
	}
	if len(urls) > 0 {
		return Route{Strategy: StrategyDownload, URLs: urls}
	}
	for _, uri := range f.Downloads {
		if instance.KindOf(uri) != instance.OriginPeer {
			continue
		}
		if o, err := instance.ParseOrigin(uri); err == nil {
			return Route{Strategy: StrategyPeer, Origin: o}
		}
	}
	return Route{Strategy: StrategyUnresolved}
}
