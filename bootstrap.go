package ldclient

import (
	"fmt"
	"os"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
)

// Bootstrap supplies flags to serve before the first sync.
type Bootstrap interface {
	StoredItems() flags.StoredItems
}

type bootstrap struct {
	items flags.StoredItems
}

func (b bootstrap) StoredItems() flags.StoredItems {
	return b.items.Clone()
}

// NewLocalFileBootstrap reads a flag snapshot, in the same JSON shape the
// flag service returns, from a file path.
func NewLocalFileBootstrap(name string) (Bootstrap, error) {
	file, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	items, err := flags.ParseStoredItems(file)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", name, err)
	}
	return bootstrap{items: items}, nil
}

// NewBootstrap serves the given flags, keyed by flag key.
func NewBootstrap(featureFlags map[string]flags.FeatureFlag) Bootstrap {
	return bootstrap{items: flags.NewStoredItems(featureFlags)}
}
