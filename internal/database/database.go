package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wfunc/encounter-room/internal/config"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/logger"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	pingTimeout   = 5 * time.Second
	slowThreshold = 500 * time.Millisecond
)

// DB 快照与回合日志共用的连接
var DB *gorm.DB

// dialectors 支持的驱动
var dialectors = map[string]func(dsn string) gorm.Dialector{
	"mysql":      mysql.Open,
	"postgres":   postgres.Open,
	"postgresql": postgres.Open,
	"sqlite":     sqlite.Open,
	"sqlite3":    sqlite.Open,
}

// Init 按配置建立连接并检查可用性
func Init(cfg *config.DatabaseConfig) error {
	open, ok := dialectors[cfg.Driver]
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalidParam, "不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(open(cfg.DSN), &gorm.Config{
		Logger:                 newSQLLogger(logger.WithModule("storage"), parseLogLevel(cfg.LogLevel)),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "连接数据库失败")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "获取数据库实例失败")
	}

	maxOpen := cfg.MaxOpenConns
	if isMemorySQLite(db, cfg.DSN) {
		// 每个连接都是独立的内存库，只能保留一个
		maxOpen = 1
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	DB = db
	if err := Ping(context.Background()); err != nil {
		sqlDB.Close()
		DB = nil
		return err
	}
	if db.Dialector.Name() == "sqlite" {
		tuneSQLite(db)
	}

	logger.Info("数据库连接成功",
		zap.String("driver", db.Dialector.Name()),
		zap.Int("max_idle", cfg.MaxIdleConns),
		zap.Int("max_open", maxOpen),
	)
	return nil
}

// isMemorySQLite 是否为 SQLite 内存库
func isMemorySQLite(db *gorm.DB, dsn string) bool {
	return db.Dialector.Name() == "sqlite" && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory"))
}

// tuneSQLite WAL 模式下快照写入与查询可以并发
func tuneSQLite(db *gorm.DB) {
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if err := db.Exec(pragma).Error; err != nil {
			logger.Warn("设置SQLite参数失败", zap.String("pragma", pragma), zap.Error(err))
		}
	}
}

// Ping 检查连接是否可用
func Ping(ctx context.Context) error {
	if DB == nil {
		return apperrors.New(apperrors.ErrDatabaseConnect, "数据库未初始化")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect)
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库连接测试失败")
	}
	return nil
}

// Close 关闭连接
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	DB = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB 当前连接
func GetDB() *gorm.DB {
	return DB
}

func parseLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	default:
		return gormlogger.Info
	}
}

// sqlLogger 把 GORM 日志转到 zap，记录不存在不算错误
type sqlLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newSQLLogger(log *zap.Logger, level gormlogger.LogLevel) *sqlLogger {
	return &sqlLogger{log: log, level: level, slow: slowThreshold}
}

// LogMode 返回指定级别的副本
func (l *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *sqlLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Sugar().Infof(msg, data...)
	}
}

func (l *sqlLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Sugar().Warnf(msg, data...)
	}
}

func (l *sqlLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Sugar().Errorf(msg, data...)
	}
}

// Trace 按耗时与错误分级记录SQL
func (l *sqlLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	fields := func() []zap.Field {
		sql, rows := fc()
		return []zap.Field{zap.String("sql", sql), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows)}
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.log.Error("SQL执行错误", append(fields(), zap.Error(err))...)
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		l.log.Warn("SQL执行缓慢", fields()...)
	case l.level >= gormlogger.Info:
		l.log.Debug("SQL执行", fields()...)
	}
}
