//go:build darwin

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	name := stat.Fstypename[:]
	out := make([]byte, 0, len(name))
	for _, b := range name {
		if b == 0 {
			break
		}
		out = append(out, byte(b))
	}
	return string(out), nil
}
