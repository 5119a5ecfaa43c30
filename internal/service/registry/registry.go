package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const DefaultPriority = 100

var (
	ErrProviderRequired   = errors.New("provider name is required")
	ErrCapabilityRequired = errors.New("capability is required")
	ErrCapabilityMismatch = errors.New("capability belongs to another provider")
)

type providerEntry struct {
	name          string
	priority      int
	order         uint64
	contextHandle any
	registeredAt  time.Time
	capabilities  map[string]entity.Capability
}

// Registry maps (provider, capability name) to an executable capability and
// ranks providers per capability name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	seq       uint64
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]*providerEntry),
	}
}

// Register upserts a single capability. The last writer for a (provider, name)
// pair wins. Unknown providers are created with DefaultPriority.
func (r *Registry) Register(provider string, capability entity.Capability) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return ErrProviderRequired
	}
	if capability == nil || strings.TrimSpace(capability.Name()) == "" {
		return ErrCapabilityRequired
	}
	if owner := capability.ProviderName(); owner != "" && owner != provider {
		return ErrCapabilityMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entryLocked(provider, DefaultPriority)
	entry.capabilities[capability.Name()] = capability

	logrus.WithFields(logrus.Fields{
		"provider":   provider,
		"capability": capability.Name(),
	}).Debug("capability registered")

	return nil
}

// RegisterProvider upserts a provider with its capabilities. Priority and
// context handle are replaced; capabilities are merged.
func (r *Registry) RegisterProvider(reg entity.ProviderRegistration) error {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return ErrProviderRequired
	}

	for capName, capability := range reg.Capabilities {
		if capability == nil || capName != capability.Name() {
			return ErrCapabilityRequired
		}
		if owner := capability.ProviderName(); owner != "" && owner != name {
			return ErrCapabilityMismatch
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entryLocked(name, reg.Priority)
	entry.priority = reg.Priority
	entry.contextHandle = reg.ContextHandle
	for capName, capability := range reg.Capabilities {
		entry.capabilities[capName] = capability
	}

	logrus.WithFields(logrus.Fields{
		"provider":     name,
		"priority":     reg.Priority,
		"capabilities": len(entry.capabilities),
	}).Info("provider registered")

	return nil
}

// UnregisterProvider removes a provider and all of its capabilities.
func (r *Registry) UnregisterProvider(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return false
	}
	delete(r.providers, name)

	logrus.WithField("provider", name).Info("provider unregistered")
	return true
}

func (r *Registry) GetCapability(provider, name string) (entity.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.providers[provider]
	if !ok {
		return nil, false
	}

	capability, ok := entry.capabilities[name]
	return capability, ok
}

// GetBestProvider returns the highest ranked provider serving name: lowest
// priority value first, then registration order.
func (r *Registry) GetBestProvider(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *providerEntry
	for _, entry := range r.providers {
		if _, ok := entry.capabilities[name]; !ok {
			continue
		}
		if best == nil || ranksBefore(entry, best) {
			best = entry
		}
	}

	if best == nil {
		return "", false
	}
	return best.name, true
}

// RankedProviders lists every provider serving name in ranking order.
func (r *Registry) RankedProviders(name string) []string {
	r.mu.RLock()
	entries := make([]*providerEntry, 0, len(r.providers))
	for _, entry := range r.providers {
		if _, ok := entry.capabilities[name]; ok {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return ranksBefore(entries[i], entries[j])
	})

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.name)
	}
	return names
}

func (r *Registry) ContextHandle(provider string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.providers[provider]
	if !ok {
		return nil, false
	}
	return entry.contextHandle, true
}

// Providers returns a copy of every registration, ordered by rank.
func (r *Registry) Providers() []entity.ProviderRegistration {
	r.mu.RLock()
	entries := make([]*providerEntry, 0, len(r.providers))
	for _, entry := range r.providers {
		entries = append(entries, entry)
	}

	out := make([]entity.ProviderRegistration, 0, len(entries))
	sort.Slice(entries, func(i, j int) bool {
		return ranksBefore(entries[i], entries[j])
	})
	for _, entry := range entries {
		caps := make(map[string]entity.Capability, len(entry.capabilities))
		for k, v := range entry.capabilities {
			caps[k] = v
		}
		out = append(out, entity.ProviderRegistration{
			Name:          entry.name,
			Priority:      entry.priority,
			Capabilities:  caps,
			ContextHandle: entry.contextHandle,
			RegisteredAt:  entry.registeredAt,
		})
	}
	r.mu.RUnlock()

	return out
}

func (r *Registry) entryLocked(name string, priority int) *providerEntry {
	entry, ok := r.providers[name]
	if ok {
		return entry
	}

	r.seq++
	entry = &providerEntry{
		name:         name,
		priority:     priority,
		order:        r.seq,
		registeredAt: time.Now().UTC(),
		capabilities: make(map[string]entity.Capability),
	}
	r.providers[name] = entry
	return entry
}

func ranksBefore(a, b *providerEntry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.order < b.order
}
