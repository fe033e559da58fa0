// Package migrate 启动时执行嵌入的 SQL 迁移 (基于 golang-migrate)
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewMigrator 版本表按服务区分，多个服务可共用一个库
func NewMigrator(db *sql.DB, serviceName string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		db:     db,
		table:  MigrationsTable(serviceName),
		logger: logger.With(zap.String("migrations_table", MigrationsTable(serviceName))),
	}
}

// MigrationsTable 服务对应的版本表名
func MigrationsTable(serviceName string) string {
	if serviceName == "" {
		return postgres.DefaultMigrationsTable
	}
	return sanitize(serviceName) + "_" + postgres.DefaultMigrationsTable
}

func sanitize(name string) string {
	out := []byte(strings.ToLower(name))
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			out[i] = '_'
		}
	}
	return string(out)
}

func (m *Migrator) open(fsys fs.FS, path string) (*migrate.Migrate, error) {
	source, err := iofs.New(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{MigrationsTable: m.table})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

// AutoMigrate 执行全部未应用的迁移，path 为 fsys 中的目录 ("." 表示根目录)
// 上次迁移中断留下 dirty 标记时直接报错，需人工处理
func (m *Migrator) AutoMigrate(fsys fs.FS, path string) error {
	migrator, err := m.open(fsys, path)
	if err != nil {
		return err
	}
	defer migrator.Close()

	before, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("get migration version failed: %w", err)
	case dirty:
		return fmt.Errorf("database is dirty at version %d", before)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema up to date", zap.Uint("version", before))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	after, _, err := migrator.Version()
	if err != nil {
		return fmt.Errorf("get migration version failed: %w", err)
	}
	m.logger.Info("schema migrated", zap.Uint("from", before), zap.Uint("to", after))
	return nil
}
