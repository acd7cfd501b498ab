package remote

import (
	"fmt"

	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
)

// NewRemoteFromConfig creates the remote selected by cfg.Type. The empty
// type means the package is its own remote and returns nil.
func NewRemoteFromConfig(cfg config.RemoteConfig) (dpm.Remote, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("url required for http remote")
		}
		return NewHTTPRemote(cfg.URL, nil)
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
