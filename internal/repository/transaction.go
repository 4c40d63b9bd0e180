package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"gorm.io/gorm"
)

// TransactionManager 事务管理器接口
type TransactionManager interface {
	// Begin 开始事务
	Begin(ctx context.Context) (*Transaction, error)
	// BeginWithOptions 使用选项开始事务
	BeginWithOptions(ctx context.Context, opts *TxOptions) (*Transaction, error)
	// WithTransaction 在事务中执行函数
	WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error
	// WithTransactionOptions 使用选项在事务中执行函数
	WithTransactionOptions(ctx context.Context, opts *TxOptions, fn func(tx *Transaction) error) error
}

// TxOptions 事务选项
type TxOptions struct {
	// ReadOnly 是否只读事务
	ReadOnly bool
}

// Transaction 事务包装器
type Transaction struct {
	tx         *gorm.DB
	committed  bool
	rolledback bool

	entities EntityRepository
	turnLogs TurnLogRepository
}

// txManager 事务管理器实现
type txManager struct {
	db *gorm.DB
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(db *gorm.DB) TransactionManager {
	return &txManager{db: db}
}

// Begin 开始事务
func (m *txManager) Begin(ctx context.Context) (*Transaction, error) {
	return m.BeginWithOptions(ctx, nil)
}

// BeginWithOptions 使用选项开始事务
func (m *txManager) BeginWithOptions(ctx context.Context, opts *TxOptions) (*Transaction, error) {
	var sqlOpts *sql.TxOptions
	if opts != nil && opts.ReadOnly && m.db.Dialector.Name() != "sqlite" {
		// SQLite 不支持只读事务选项
		sqlOpts = &sql.TxOptions{ReadOnly: true}
	}

	tx := m.db.WithContext(ctx).Begin(sqlOpts)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &Transaction{tx: tx}, nil
}

// WithTransaction 在事务中执行函数
func (m *txManager) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	return m.WithTransactionOptions(ctx, nil, fn)
}

// WithTransactionOptions 使用选项在事务中执行函数
func (m *txManager) WithTransactionOptions(ctx context.Context, opts *TxOptions, fn func(tx *Transaction) error) error {
	tx, err := m.BeginWithOptions(ctx, opts)
	if err != nil {
		return err
	}

	// 确保事务被处理
	defer func() {
		if !tx.committed && !tx.rolledback {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Commit 提交事务
func (t *Transaction) Commit() error {
	if t.committed {
		return fmt.Errorf("事务已提交")
	}
	if t.rolledback {
		return fmt.Errorf("事务已回滚")
	}

	if err := t.tx.Commit().Error; err != nil {
		return err
	}
	t.committed = true
	return nil
}

// Rollback 回滚事务
func (t *Transaction) Rollback() error {
	if t.committed {
		return fmt.Errorf("事务已提交，无法回滚")
	}
	if t.rolledback {
		return fmt.Errorf("事务已回滚")
	}

	if err := t.tx.Rollback().Error; err != nil {
		return err
	}
	t.rolledback = true
	return nil
}

// GetDB 获取事务中的数据库实例
func (t *Transaction) GetDB() *gorm.DB {
	return t.tx
}

// Entities 获取事务中的实体定义仓储
func (t *Transaction) Entities() EntityRepository {
	if t.entities == nil {
		t.entities = NewEntityRepository(t.tx)
	}
	return t.entities
}

// TurnLogs 获取事务中的回合归档仓储
func (t *Transaction) TurnLogs() TurnLogRepository {
	if t.turnLogs == nil {
		t.turnLogs = NewTurnLogRepository(t.tx)
	}
	return t.turnLogs
}

// TransactionHelper 事务辅助函数
type TransactionHelper struct {
	manager TransactionManager
}

// NewTransactionHelper 创建事务辅助器
func NewTransactionHelper(manager TransactionManager) *TransactionHelper {
	return &TransactionHelper{manager: manager}
}

// RunWithRetry 带重试的事务执行
func (h *TransactionHelper) RunWithRetry(ctx context.Context, maxRetries int, fn func(tx *Transaction) error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := h.manager.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		// 检查是否是可重试的错误（如死锁）
		if !isRetryableError(err) {
			return err
		}
	}
	return apperrors.Wrapf(lastErr, apperrors.ErrTransaction, "已重试%d次", maxRetries)
}

// isRetryableError 判断错误是否可重试：可重试错误码或数据库锁冲突
func isRetryableError(err error) bool {
	if apperrors.IsRetryable(err) {
		return true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Deadlock"): // MySQL
		return true
	case strings.Contains(msg, "deadlock detected"): // PostgreSQL
		return true
	case strings.Contains(msg, "database is locked"): // SQLite
		return true
	}
	return false
}
