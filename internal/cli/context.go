package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/pkg/custody"
)

// resolveRoot returns --root, or the working directory.
func resolveRoot() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cannot get current directory: %w", err)
	}
	return cwd, nil
}

// withEngine opens the engine on the initialized root, runs fn and closes
// the engine, draining queued notifications.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *custody.Engine) error) (err error) {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	if !custody.Initialized(root) {
		return errNotInitialized
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := custody.Open(ctx, custody.Options{Root: root})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, eng)
}
