// Package keylock 提供按 key 粒度的互斥锁，锁对象在无人持有时自动回收。
package keylock

import "sync"

// Locker 为每个 key 维护一把引用计数的互斥锁，零值可直接使用。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Lock 阻塞直到拿到 key 对应的锁，返回的函数用于释放。
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entryLock)
	}
	lock := l.locks[key]
	if lock == nil {
		lock = &entryLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len 返回当前仍被持有或等待的 key 数量。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
