//go:build !(linux || darwin || freebsd)

package storage

import "math"

// No statfs here; the copy itself reports a full volume
func freeSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}

func syncFilesystems() {}
