package utils

import (
	"os"

	"github.com/otiai10/copy"
)

func IsFileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// IsExecutable reports whether path exists, is a regular file and carries
// an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

func Copy(src string, dst string) error {
	return copy.Copy(src, dst)
}
