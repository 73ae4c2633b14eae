package instance

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// CleanPath returns the canonical form of a manifest path: forward slashes,
// no "." or empty segments, and a trailing slash kept on directory markers.
// Two entries naming the same file always share one canonical path.
func CleanPath(rel string) string {
	slashed := strings.ReplaceAll(rel, `\`, "/")
	cleaned := path.Clean(slashed)
	if strings.HasSuffix(slashed, "/") && cleaned != "." && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// ValidatePath checks a manifest path lexically: it must be relative and
// stay inside the instance root once cleaned.
func ValidatePath(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return &InvalidPathError{Path: rel, Err: ErrEmptyPath}
	}
	slashed := strings.ReplaceAll(rel, `\`, "/")
	if path.IsAbs(slashed) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return &InvalidPathError{Path: rel, Err: ErrPathEscapesRoot}
	}
	cleaned := strings.TrimSuffix(CleanPath(rel), "/")
	if cleaned == "." {
		return &InvalidPathError{Path: rel, Err: ErrEmptyPath}
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return &InvalidPathError{Path: rel, Err: ErrPathEscapesRoot}
	}
	return nil
}

// Resolve joins rel onto root after validating it.
func Resolve(root, rel string) (string, error) {
	if err := ValidatePath(rel); err != nil {
		return "", err
	}
	joined := filepath.Join(root, filepath.FromSlash(CleanPath(rel)))
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", &InvalidPathError{Path: rel, Err: ErrPathEscapesRoot}
	}
	return joined, nil
}

// Canonicalize validates files and returns copies carrying canonical paths.
// Invalid entries, and every entry whose canonical path is shared with
// another entry, are dropped and reported.
func Canonicalize(files []File) ([]File, []*InvalidPathError) {
	count := make(map[string]int, len(files))
	for _, f := range files {
		if ValidatePath(f.Path) == nil {
			count[CleanPath(f.Path)]++
		}
	}
	var (
		out  = make([]File, 0, len(files))
		errs []*InvalidPathError
	)
	for _, f := range files {
		if err := ValidatePath(f.Path); err != nil {
			var pathErr *InvalidPathError
			if errors.As(err, &pathErr) {
				errs = append(errs, pathErr)
			}
			continue
		}
		canonical := CleanPath(f.Path)
		if count[canonical] > 1 {
			errs = append(errs, &InvalidPathError{Path: f.Path, Err: ErrDuplicatePath})
			continue
		}
		f.Path = canonical
		out = append(out, f)
	}
	return out, errs
}
