package custody

import (
	"context"
	"fmt"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/config"
)

// OpenStore opens the backend cfg.Store selects. File journals live under
// root unless the configured path is absolute.
func OpenStore(ctx context.Context, root string, cfg *config.Config) (eventstore.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return eventstore.NewMemory(), nil
	case config.BackendFile, "":
		return eventstore.OpenFile(cfg.StorePath(root))
	case config.BackendPostgres:
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("postgres backend needs store.dsn or DATABASE_URL")
		}
		return eventstore.OpenPostgres(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
