package loaders

import (
	"context"

	"github.com/ahrav/harvester/internal/config"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so a harvest can be described by a file today and by a
// control plane later.
type Loader interface {
	// Load retrieves, defaults and validates the configuration.
	Load(ctx context.Context) (*config.Config, error)
}
