package instance

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// OriginKind classifies a download URI.
type OriginKind string

const (
	OriginHTTP    OriginKind = "http"
	OriginFile    OriginKind = "file"
	OriginZip     OriginKind = "zip"
	OriginPeer    OriginKind = "peer"
	OriginUnknown OriginKind = "unknown"
)

var sha1Pattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// Origin is a parsed download URI.
type Origin struct {
	Kind OriginKind
	URI  string
	// Path is the local file for file:// origins and the archive for zip://
	// origins addressed by path.
	Path string
	// Hash addresses the archive in the content store for zip:// origins.
	Hash string
	// Entry is the member name inside the archive.
	Entry string
}

// KindOf returns the origin kind without fully parsing uri.
func KindOf(uri string) OriginKind {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return OriginHTTP
	case strings.HasPrefix(lower, "file://"):
		return OriginFile
	case strings.HasPrefix(lower, "zip://"):
		return OriginZip
	case strings.HasPrefix(lower, "peer://"):
		return OriginPeer
	default:
		return OriginUnknown
	}
}

// ParseOrigin parses one entry of File.Downloads.
func ParseOrigin(uri string) (Origin, error) {
	o := Origin{Kind: KindOf(uri), URI: uri}
	switch o.Kind {
	case OriginHTTP:
		return o, nil
	case OriginPeer:
		u, err := url.Parse(uri)
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrBadOrigin, err)
		}
		if u.Host == "" && strings.Trim(u.Path, "/") == "" {
			return o, fmt.Errorf("%w: empty peer target in %q", ErrBadOrigin, uri)
		}
		return o, nil
	case OriginFile:
		u, err := url.Parse(uri)
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrBadOrigin, err)
		}
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = "//" + u.Host + p
		}
		// file:///C:/x arrives as /C:/x
		if len(p) > 2 && p[0] == '/' && p[2] == ':' {
			p = p[1:]
		}
		if p == "" {
			return o, fmt.Errorf("%w: empty file path in %q", ErrBadOrigin, uri)
		}
		o.Path = p
		return o, nil
	case OriginZip:
		rest := uri[len("zip://"):]
		q := strings.LastIndex(rest, "?")
		if q < 0 {
			return o, fmt.Errorf("%w: missing entry in %q", ErrBadOrigin, uri)
		}
		query, err := url.ParseQuery(rest[q+1:])
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrBadOrigin, err)
		}
		o.Entry = query.Get("entry")
		target, err := url.PathUnescape(rest[:q])
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrBadOrigin, err)
		}
		if o.Entry == "" || target == "" {
			return o, fmt.Errorf("%w: incomplete zip origin %q", ErrBadOrigin, uri)
		}
		if sha1Pattern.MatchString(target) {
			o.Hash = strings.ToLower(target)
		} else {
			o.Path = target
		}
		return o, nil
	default:
		return o, fmt.Errorf("%w: unsupported scheme in %q", ErrBadOrigin, uri)
	}
}

// ZipURI builds a zip:// origin for entry inside archive (a path or a sha1).
func ZipURI(archive, entry string) string {
	return "zip://" + archive + "?entry=" + url.QueryEscape(entry)
}
