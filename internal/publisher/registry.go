package publisher

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the registered platform publishers, keyed by platform name.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (r *Registry) Register(publisher Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platformName := publisher.GetPlatformName()
	if _, exists := r.publishers[platformName]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platformName)
	}

	r.publishers[platformName] = publisher
	r.logger.Info("Publisher registered", zap.String("platform", platformName))
	return nil
}

func (r *Registry) Get(platformName string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	publisher, exists := r.publishers[platformName]
	if !exists {
		return nil, fmt.Errorf("publisher for platform %s not found", platformName)
	}
	return publisher, nil
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var platforms []string
	for name := range r.publishers {
		platforms = append(platforms, name)
	}
	return platforms
}
