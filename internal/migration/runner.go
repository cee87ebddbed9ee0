package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// EntryStatus 描述单条旧记录的迁移结果。
type EntryStatus string

const (
	EntryIngested EntryStatus = "ingested"
	EntryMissing  EntryStatus = "missing"
	EntryFailed   EntryStatus = "failed"
)

// EntryState 记录单条旧记录的迁移状态，供 CLI 输出与日志使用。
type EntryState struct {
	Key    string      `json:"key"`
	Status EntryStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// Report 汇总一次迁移。
type Report struct {
	Total    int          `json:"total"`
	Ingested int          `json:"ingested"`
	Missing  int          `json:"missing"`
	Failed   int          `json:"failed"`
	Entries  []EntryState `json:"entries,omitempty"`
}

// Runner 逐条排空旧数据源。
type Runner struct {
	adapter     *Adapter
	concurrency int
	logger      *logrus.Logger

	mu    sync.Mutex
	state map[string]EntryState
}

// NewRunner 使用 adapter 配置的 Source 构造 Runner。
func NewRunner(adapter *Adapter, concurrency int) (*Runner, error) {
	if adapter == nil || adapter.source == nil {
		return nil, errors.New("migration runner requires an adapter with a legacy source")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		adapter:     adapter,
		concurrency: concurrency,
		logger:      adapter.logger,
		state:       make(map[string]EntryState),
	}, nil
}

// Run 导入旧数据源中的全部记录：加载、转换、导入，成功后才删除旧记录。
// 单条失败不会中断整批，失败条目保留在旧数据源中等待下次运行。
func (r *Runner) Run(ctx context.Context) (Report, error) {
	keys, err := r.adapter.source.Keys(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list legacy entries: %w", err)
	}
	r.mu.Lock()
	r.state = make(map[string]EntryState, len(keys))
	r.mu.Unlock()

	p := pool.New().WithMaxGoroutines(r.concurrency)
	for _, key := range keys {
		p.Go(func() {
			r.record(key, r.migrate(ctx, key))
		})
	}
	p.Wait()

	report := Report{Total: len(keys), Entries: r.snapshot()}
	var errs []error
	for _, entry := range report.Entries {
		switch entry.Status {
		case EntryIngested:
			report.Ingested++
		case EntryMissing:
			report.Missing++
		default:
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %s", entry.Key, entry.Error))
		}
	}

	r.logger.WithFields(logrus.Fields{
		"action":   "migrate",
		"total":    report.Total,
		"ingested": report.Ingested,
		"missing":  report.Missing,
		"failed":   report.Failed,
	}).Info("migrate_run_completed")
	return report, errors.Join(errs...)
}

func (r *Runner) migrate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := r.adapter.source.Load(ctx, key)
	if err != nil {
		return err
	}
	return r.adapter.importRecord(ctx, rec)
}

func (r *Runner) record(key string, err error) {
	entry := EntryState{Key: key, Status: EntryIngested}
	switch {
	case err == nil:
	case errors.Is(err, ErrDataMissing):
		entry.Status = EntryMissing
		entry.Error = err.Error()
	default:
		entry.Status = EntryFailed
		entry.Error = err.Error()
	}
	if err != nil {
		r.logger.WithFields(logrus.Fields{"action": "migrate", "item_key": key}).Warnf("migrate_entry_failed: %v", err)
	}
	r.mu.Lock()
	r.state[key] = entry
	r.mu.Unlock()
}

// snapshot 返回所有条目状态，按 key 排序。
func (r *Runner) snapshot() []EntryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.state) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.state))
	for k := range r.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]EntryState, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.state[key])
	}
	return result
}
