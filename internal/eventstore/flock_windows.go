//go:build windows

package eventstore

import "os"

// lockFile is a no-op on Windows; the per-item stream mutex serializes
// writers within one process.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
