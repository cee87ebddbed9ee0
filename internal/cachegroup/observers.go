package cachegroup

import (
	"sync"

	"github.com/any-hub/readcache/internal/metadata"
)

// Observers 是显式注册的变更通知订阅表，取代全局广播。
type Observers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(metadata.Change)
}

// NewObservers 返回空订阅表。
func NewObservers() *Observers {
	return &Observers{subs: make(map[int]func(metadata.Change))}
}

// Subscribe 注册回调，返回取消订阅函数。回调在发布者的 goroutine 上同步执行，不应阻塞。
func (o *Observers) Subscribe(fn func(metadata.Change)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Publish 将变更分发给所有订阅者。
func (o *Observers) Publish(change metadata.Change) {
	o.mu.RLock()
	subs := make([]func(metadata.Change), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

// Len 返回当前订阅者数量。
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
