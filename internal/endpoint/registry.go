package endpoint

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu        sync.RWMutex
	endpoints map[string]Metadata
	primary   string
}

func newRegistry() *registry {
	return &registry{endpoints: make(map[string]Metadata)}
}

// Register 将端点元数据加入全局注册表，重复键或重复主端点会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合端点 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的端点元数据。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// Primary 返回主端点元数据；尚未注册时 ok 为 false。
func Primary() (Metadata, bool) {
	globalRegistry.mu.RLock()
	key := globalRegistry.primary
	globalRegistry.mu.RUnlock()
	if key == "" {
		return Metadata{}, false
	}
	return globalRegistry.resolve(key)
}

// List 返回按键排序的端点元数据列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册端点的键值，供调试或诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

// NormalizeKey 统一端点键的大小写与空白。
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := NormalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("endpoint key is required")
	}
	meta.Key = key
	if !meta.Primary && meta.Parse == nil {
		return fmt.Errorf("endpoint %s requires a manifest parser", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[key]; exists {
		return fmt.Errorf("endpoint %s already registered", key)
	}
	if meta.Primary {
		if r.primary != "" {
			return fmt.Errorf("primary endpoint already registered: %s", r.primary)
		}
		r.primary = key
	}
	r.endpoints[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return Metadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.endpoints[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.endpoints) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.endpoints))
	for key := range r.endpoints {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.endpoints[key])
	}
	return result
}
