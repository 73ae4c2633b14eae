package instance

import "sort"

type stagedAddition struct {
	file File
	old  *File
}

// Diff classifies every path named by oldFiles, currentFiles or newFiles.
//
// oldFiles is the manifest the instance was last installed from, currentFiles
// is what is actually on disk (hashed) and newFiles is the desired manifest.
// Exactly one operation is returned per distinct path, sorted by path.
// Paths are compared in canonical form (see CleanPath) and reported that way.
func Diff(oldFiles, currentFiles, newFiles []File) []FileOperation {
	oldFiles, currentFiles, newFiles = canonical(oldFiles), canonical(currentFiles), canonical(newFiles)
	oldByPath := make(map[string]File, len(oldFiles))
	for _, f := range oldFiles {
		oldByPath[f.Path] = f
	}

	toAdd := make(map[string]stagedAddition, len(newFiles))
	unchanged := make(map[string]File)
	for _, f := range newFiles {
		if _, dup := toAdd[f.Path]; dup {
			continue
		}
		if _, dup := unchanged[f.Path]; dup {
			continue
		}
		old, inOld := oldByPath[f.Path]
		switch {
		case !inOld:
			toAdd[f.Path] = stagedAddition{file: f}
		case SameContent(old, f):
			unchanged[f.Path] = f
		default:
			o := old
			toAdd[f.Path] = stagedAddition{file: f, old: &o}
		}
	}

	toRemove := make(map[string]File)
	for p, f := range oldByPath {
		if _, ok := toAdd[p]; ok {
			continue
		}
		if _, ok := unchanged[p]; ok {
			continue
		}
		toRemove[p] = f
	}

	ops := make(map[string]FileOperation, len(toAdd)+len(toRemove)+len(currentFiles))
	for _, cur := range currentFiles {
		if _, done := ops[cur.Path]; done {
			continue
		}
		c := cur
		if removal, ok := toRemove[cur.Path]; ok {
			if SameContent(removal, cur) {
				ops[cur.Path] = FileOperation{File: removal, Operation: OpRemove}
			} else {
				ops[cur.Path] = FileOperation{File: removal, Operation: OpBackupRemove, Current: &c}
			}
			delete(toRemove, cur.Path)
			continue
		}
		if addition, ok := toAdd[cur.Path]; ok {
			if SameContent(addition.file, cur) {
				ops[cur.Path] = FileOperation{File: addition.file, Operation: OpKeep}
			} else {
				ops[cur.Path] = FileOperation{File: addition.file, Operation: OpBackupAdd, Current: &c}
			}
			delete(toAdd, cur.Path)
			continue
		}
		if want, ok := unchanged[cur.Path]; ok {
			if SameContent(want, cur) {
				ops[cur.Path] = FileOperation{File: want, Operation: OpKeep}
			} else {
				ops[cur.Path] = FileOperation{File: want, Operation: OpBackupAdd, Current: &c}
			}
			delete(unchanged, cur.Path)
			continue
		}
		ops[cur.Path] = FileOperation{File: cur, Operation: OpKeep}
	}

	for p, addition := range toAdd {
		op := OpAdd
		if addition.old != nil {
			op = OpUpdate
		}
		ops[p] = FileOperation{File: addition.file, Operation: op}
	}
	// expected on disk but missing: reinstall
	for p, f := range unchanged {
		ops[p] = FileOperation{File: f, Operation: OpAdd}
	}
	// nothing on disk to remove; recorded so every path is accounted for
	for p, f := range toRemove {
		ops[p] = FileOperation{File: f, Operation: OpRemove}
	}

	out := make([]FileOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File.Path < out[j].File.Path })
	return out
}

func canonical(files []File) []File {
	out := make([]File, len(files))
	for i, f := range files {
		f.Path = CleanPath(f.Path)
		out[i] = f
	}
	return out
}

// Executable reports whether op needs work from the installer. Directory
// markers and keeps are not executed.
func Executable(op FileOperation) bool {
	if op.File.IsDir() {
		return false
	}
	return op.Operation != OpKeep
}
