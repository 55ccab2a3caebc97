//go:build !unix

package storage

import "os"

// lockDir only creates the lock file; there is no flock here.
func lockDir(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}
