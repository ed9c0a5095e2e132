package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
)

// Registry holds the loaded service set and the mutable service image map.
// The image map is refreshed through the deployment callback; everything
// else is immutable after load.
type Registry struct {
	services   []ServiceConfig
	granuleCap int
	logger     arbor.ILogger

	mu       sync.RWMutex
	imageMap map[string]string // service name -> image id
}

// Load reads the service registry file, applies environment substitutions
// and manual collection overrides, and validates every config. Validation
// failures are startup-fatal by contract; Load returns the error and the
// caller exits.
func Load(path string, granuleCap int, logger arbor.ILogger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service registry %s: %w", path, err)
	}

	var file servicesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse service registry %s: %w", path, err)
	}

	reg := &Registry{
		services:   file.Services,
		granuleCap: granuleCap,
		logger:     logger,
		imageMap:   make(map[string]string),
	}

	for i := range reg.services {
		svc := &reg.services[i]
		resolveEnv(svc)
		appendManualCollections(svc)
		if err := validateService(svc, granuleCap); err != nil {
			return nil, fmt.Errorf("invalid service config %q: %w", svc.Name, err)
		}
		reg.imageMap[svc.Name] = svc.Steps[len(svc.Steps)-1].Image
	}

	logger.Info().
		Int("services", len(reg.services)).
		Str("path", path).
		Msg("Service registry loaded")

	return reg, nil
}

// Services returns the loaded service configs
func (r *Registry) Services() []ServiceConfig {
	return r.services
}

// ServiceByName returns the named service config or nil
func (r *Registry) ServiceByName(name string) *ServiceConfig {
	for i := range r.services {
		if r.services[i].Name == name {
			return &r.services[i]
		}
	}
	return nil
}

// ServiceForImage finds the service config declaring a step with the image,
// consulting the refreshed image map for rolled-out overrides.
func (r *Registry) ServiceForImage(image string) *ServiceConfig {
	for i := range r.services {
		for _, step := range r.services[i].Steps {
			if step.Image == image {
				return &r.services[i]
			}
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, img := range r.imageMap {
		if img == image {
			return r.ServiceByName(name)
		}
	}
	return nil
}

// ImageFor returns the current image id for a service name
func (r *Registry) ImageFor(serviceName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.imageMap[serviceName]
	return img, ok
}

// UpdateImage refreshes the image map entry for a service. Called from the
// deployment callback when a new container image rolls out.
func (r *Registry) UpdateImage(serviceName, image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageMap[serviceName] = image
	r.logger.Info().
		Str("service", serviceName).
		Str("image", image).
		Msg("Service image map refreshed")
}

// resolveEnv substitutes ${VAR} references in step images and applies the
// <SERVICE>_IMAGE convention. Integer-valued env overrides are parsed as
// integers, strings pass through as-is.
func resolveEnv(svc *ServiceConfig) {
	stem := common.ServiceEnvName(svc.Name)

	for i := range svc.Steps {
		step := &svc.Steps[i]
		step.Image = expandEnvRefs(step.Image)
	}

	// <SERVICE>_IMAGE overrides the final (service) step image
	if img := os.Getenv(stem + "_IMAGE"); img != "" && len(svc.Steps) > 0 {
		svc.Steps[len(svc.Steps)-1].Image = img
	}

	if v := os.Getenv(stem + "_GRANULE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			svc.GranuleLimit = n
		}
	}
	if v := os.Getenv(stem + "_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			svc.Concurrency = n
		}
	}
}

// expandEnvRefs replaces ${VAR} with the environment value, leaving the
// reference intact when unset so validation can report it.
func expandEnvRefs(s string) string {
	return os.Expand(s, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return "${" + key + "}"
	})
}

// appendManualCollections merges <SERVICE>_COLLECTIONS entries into the
// allow-list. The value is a comma-separated list of collection concept ids.
func appendManualCollections(svc *ServiceConfig) {
	stem := common.ServiceEnvName(svc.Name)
	v := os.Getenv(stem + "_COLLECTIONS")
	if v == "" {
		return
	}
	existing := make(map[string]bool, len(svc.Collections))
	for _, c := range svc.Collections {
		existing[c.ID] = true
	}
	for _, id := range strings.Split(v, ",") {
		id = strings.TrimSpace(id)
		if id == "" || existing[id] {
			continue
		}
		svc.Collections = append(svc.Collections, CollectionEntry{ID: id})
		existing[id] = true
	}
}

// validateService enforces the registry invariants. Any violation is fatal
// at startup.
func validateService(svc *ServiceConfig, granuleCap int) error {
	if svc.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if len(svc.Steps) == 0 {
		return fmt.Errorf("a service must declare at least one step")
	}

	for i, step := range svc.Steps {
		if step.Image == "" {
			return fmt.Errorf("steps[%d] is missing an image", i)
		}
		if strings.Contains(step.Image, "${") {
			return fmt.Errorf("steps[%d] image %q has an unresolved environment reference", i, step.Image)
		}
		if step.IsBatched {
			if step.MaxBatchInputs <= 0 {
				return fmt.Errorf("steps[%d] is batched but max_batch_inputs is not a positive integer", i)
			}
			if granuleCap > 0 && step.MaxBatchInputs > granuleCap {
				return fmt.Errorf("steps[%d] max_batch_inputs %d exceeds the global granule cap %d", i, step.MaxBatchInputs, granuleCap)
			}
		}
		if strings.Contains(step.Image, QueryCmrImageTag) && !step.IsSequential {
			return fmt.Errorf("steps[%d]: the CMR query step must be declared sequential", i)
		}
	}

	if !svc.Capabilities.AllCollections {
		if len(svc.Collections) == 0 {
			return fmt.Errorf("a service must declare a collection allow-list or the all_collections flag")
		}
		if svc.UMMSID == "" {
			return fmt.Errorf("a service without all_collections requires a UMM-S id")
		}
	}

	if svc.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative")
	}
	return nil
}
