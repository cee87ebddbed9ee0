package cachegroup

import (
	"sync"
	"time"

	"github.com/any-hub/readcache/internal/metadata"
)

// Event 是带序号的变更通知，供 /api/events 轮询。
type Event struct {
	Seq    uint64          `json:"seq"`
	At     time.Time       `json:"at"`
	Change metadata.Change `json:"change"`
}

// EventLog 以固定容量环形缓冲保存最近的通知。
type EventLog struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
	seq  uint64
	now  func() time.Time
}

// NewEventLog 创建容量为 capacity 的事件日志。
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &EventLog{buf: make([]Event, capacity), now: time.Now}
}

// Append 记录一条通知，可直接作为 Observers 回调。
func (l *EventLog) Append(change metadata.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.buf[l.next] = Event{Seq: l.seq, At: l.now().UTC(), Change: change}
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// Since 返回序号大于 after 的事件（按序号递增），最多 limit 条；limit<=0 表示不限。
func (l *EventLog) Since(after uint64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Event
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
	}
	ordered = append(ordered, l.buf[:l.next]...)

	result := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.Seq <= after {
			continue
		}
		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// LastSeq 返回最新事件序号。
func (l *EventLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
