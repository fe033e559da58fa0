package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
)

// setupTestDB 创建 sqlite 内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，固定为单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Project{}, &model.Milestone{}, &model.ChainOperation{}))
	return db
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return gormDB, mock, cleanup
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"serialization", &pgconn.PgError{Code: pgErrSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: pgErrDeadlockDetected}, true},
		{"too many connections", &pgconn.PgError{Code: pgErrTooManyConnections}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"wrapped", fmt.Errorf("commit: %w", &pgconn.PgError{Code: pgErrCannotConnectNow}), true},
		{"disk full", &pgconn.PgError{Code: pgErrDiskFull}, false},
		{"out of memory", &pgconn.PgError{Code: pgErrOutOfMemory}, false},
		{"unique violation", &pgconn.PgError{Code: pgErrUniqueViolation}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, isUniqueViolation(errors.New("x")))
}

func TestRepository_TransactionSharedAcrossRepositories(t *testing.T) {
	db := setupTestDB(t)
	ledger := NewLedgerRepository(db)
	ops := NewOperationRepository(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := ledger.Transaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, ops.Create(txCtx, &model.ChainOperation{
			OperationID: "op-rollback",
			Kind:        model.OperationKindDispute,
			Caller:      "0x01",
			TxHash:      "0xrollback",
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = ops.GetByOperationID(ctx, "op-rollback")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestRepository_TransactionWithRetry_NonRetryable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	calls := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return errors.New("not retryable")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPagination(t *testing.T) {
	p := &Pagination{Page: 3, PageSize: 10}
	assert.Equal(t, 10, p.Limit())
	assert.Equal(t, 20, p.Offset())

	p = &Pagination{PageSize: 1000}
	assert.Equal(t, 100, p.Limit())
	assert.Equal(t, 0, p.Offset())

	p = &Pagination{}
	assert.Equal(t, 20, p.Limit())
}
