package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile 是元数据库在 StoragePath 下的文件名。
const DBFile = "metadata.db"

const queueSize = 256

// Store 持有 SQLite 连接与串行执行队列。
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

type job struct {
	ctx    context.Context
	fn     func(*Tx) error
	result chan error
}

// Open 打开（必要时创建）dbPath 处的数据库，执行 schema 迁移并启动串行队列。
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	// 单连接：所有访问本就经由队列串行化。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.WithField("action", "metadata_open").Warnf("set journal_mode=WAL failed: %v", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.WithField("action", "metadata_open").Warnf("set busy_timeout failed: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata db ping failed: %w", err)
	}

	if _, err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// SchemaVersion 返回当前 schema 版本。
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := newMigrate(s.db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// 不调用 m.Close()：它会连带关闭共享的 *sql.DB。
	return m, nil
}

// migrateUp 将 schema 升级到最新版本，返回是否执行了变更。
func migrateUp(db *sql.DB) (bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return false, err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("metadata schema migration failed: %w", err)
	}
	return true, nil
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case j := <-s.jobs:
			j.result <- s.execute(j)
		}
	}
}

// drain 让关闭前已入队的任务拿到 ErrClosed，而不是永远等待。
func (s *Store) drain() {
	for {
		select {
		case j := <-s.jobs:
			j.result <- ErrClosed
		default:
			return
		}
	}
}

func (s *Store) execute(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(j.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	tx := &Tx{ctx: j.ctx, tx: sqlTx, now: s.now}
	if err := j.fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithField("action", "metadata_rollback").Warn(rbErr.Error())
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.logger.WithField("action", "metadata_commit").Error(err.Error())
		return fmt.Errorf("%w: %w", ErrCommitFailure, err)
	}
	return nil
}

// Submit 将 fn 排入串行队列并立即返回；结果通道在任务结束后收到一个值。
// 同一调用方连续 Submit 的任务按提交顺序执行。
func (s *Store) Submit(ctx context.Context, fn func(*Tx) error) <-chan error {
	result := make(chan error, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		result <- ErrClosed
		return result
	}
	select {
	case s.jobs <- job{ctx: ctx, fn: fn, result: result}:
	case <-ctx.Done():
		result <- ctx.Err()
	}
	return result
}

// Do 提交 fn 并等待其完成。
func (s *Store) Do(ctx context.Context, fn func(*Tx) error) error {
	result := s.Submit(ctx, fn)
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止队列并关闭数据库，可重复调用。
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
