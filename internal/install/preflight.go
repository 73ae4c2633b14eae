package install

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpaceFunc reports the free bytes on the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return usage.Free, nil
}

// preflight warns when the declared sizes exceed free space. Sizes are
// advisory, so it never blocks the run.
func preflight(instancePath string, need int64, free FreeSpaceFunc) bool {
	if need <= 0 || free == nil {
		return true
	}
	available, err := free(instancePath)
	if err != nil {
		log.Debug().Str("instance", instancePath).Err(err).Msg("disk preflight skipped")
		return true
	}
	if uint64(need) > available { //nolint:gosec // need is positive
		log.Warn().Str("instance", instancePath).Int64("need_bytes", need).
			Uint64("free_bytes", available).Msg("declared file sizes exceed free disk space")
		return false
	}
	return true
}
