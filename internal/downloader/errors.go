package downloader

import "fmt"

// StorageError means local storage rejected a write. Unlike a broken stream
// this is not retried: disk-full and permission problems do not heal between
// attempts.
type StorageError struct {
	Path      string // Local path that was being written
	Operation string // The step that failed (e.g. "create_dir", "write_file")
	Err       error  // Underlying error, if any
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local storage %s failed for %s: %v", e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
