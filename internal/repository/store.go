package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/model"
)

var (
	// ErrDuplicateVoter 证件号已经投过票（唯一索引冲突）
	ErrDuplicateVoter = errors.New("voter has already voted")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
)

// Store 候选人目录与投票记录的持久化层，由调用方显式创建并注入
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 按配置的驱动打开数据库
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite只允许一个写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	store := NewStore(db, logger)
	if cfg.AutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewStore 使用已有的gorm连接创建Store
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate 创建或更新表结构
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.Nominee{}, &model.Vote{}); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}
	return nil
}

// SeedNominees 候选人表为空时写入种子数据，返回写入条数
func (s *Store) SeedNominees(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Nominee{}).Count(&count).Error; err != nil {
			return fmt.Errorf("统计候选人数量失败: %w", err)
		}
		if count > 0 {
			return nil
		}

		nominees := make([]model.Nominee, 0, len(names))
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			nominees = append(nominees, model.Nominee{Name: name})
		}
		if len(nominees) == 0 {
			return nil
		}
		if err := tx.Create(&nominees).Error; err != nil {
			return fmt.Errorf("写入候选人种子数据失败: %w", err)
		}
		inserted = len(nominees)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListNominees 获取所有候选人
func (s *Store) ListNominees(ctx context.Context) ([]model.Nominee, error) {
	var nominees []model.Nominee
	if err := s.db.WithContext(ctx).Order("id").Find(&nominees).Error; err != nil {
		return nil, fmt.Errorf("查询候选人失败: %w", err)
	}
	return nominees, nil
}

// CreateVote 写入投票记录，证件号重复时返回 ErrDuplicateVoter
func (s *Store) CreateVote(ctx context.Context, vote *model.Vote) error {
	err := s.db.WithContext(ctx).Create(vote).Error
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		return fmt.Errorf("证件号 %s: %w", vote.VoterNationalNumber, ErrDuplicateVoter)
	}
	return fmt.Errorf("保存投票记录失败: %w", err)
}

// GetVoteByIdentity 按证件号查询投票记录
func (s *Store) GetVoteByIdentity(ctx context.Context, voterNationalNumber string) (*model.Vote, error) {
	var vote model.Vote
	err := s.db.WithContext(ctx).
		Where("voter_national_number = ?", voterNationalNumber).
		First(&vote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询投票记录失败: %w", err)
	}
	return &vote, nil
}

// CountVotesByNominee 按候选人统计票数
func (s *Store) CountVotesByNominee(ctx context.Context) ([]model.NomineeTally, error) {
	var tallies []model.NomineeTally
	err := s.db.WithContext(ctx).
		Model(&model.Vote{}).
		Select("nominee_name, count(*) as votes").
		Group("nominee_name").
		Order("nominee_name").
		Scan(&tallies).Error
	if err != nil {
		return nil, fmt.Errorf("统计票数失败: %w", err)
	}
	return tallies, nil
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isDuplicateKey 判断是否唯一约束冲突
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// SQLite: "UNIQUE constraint failed: votes.voter_national_number"
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
