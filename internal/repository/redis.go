package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/model"
)

const (
	// Redis键前缀
	NomineesKey = "facevote:nominees"
	TallyKey    = "facevote:tally"
	OTPKey      = "facevote:otp:"

	NomineesTTL = time.Hour
	TallyTTL    = 30 * time.Second

	// Lua脚本: 原子地校验验证码并扣减剩余次数
	VerifyOTPScript = `
		local stored = redis.call('HGET', KEYS[1], 'code')
		if not stored then
			return {1, 0}
		end

		local remaining = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
		if not remaining or remaining <= 0 then
			redis.call('DEL', KEYS[1])
			return {2, 0}
		end

		if stored == ARGV[1] then
			redis.call('DEL', KEYS[1])
			return {0, remaining}
		end

		remaining = remaining - 1
		redis.call('HSET', KEYS[1], 'attempts', remaining)
		return {3, remaining}
	`
)

// OTPStatus 验证码校验结果
type OTPStatus int

const (
	OTPMatched OTPStatus = iota
	OTPMissing
	OTPExhausted
	OTPMismatch
)

type RedisRepository struct {
	client       *redis.Client
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(ctx context.Context, cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, VerifyOTPScript).Result()
	if err != nil {
		return fmt.Errorf("加载验证码校验脚本失败: %w", err)
	}
	r.scriptHashes["verifyOTP"] = sha1
	return nil
}

// GetNominees 从缓存获取候选人列表
func (r *RedisRepository) GetNominees(ctx context.Context) ([]model.Nominee, bool, error) {
	var nominees []model.Nominee
	found, err := r.getJSON(ctx, NomineesKey, &nominees)
	if err != nil {
		return nil, false, fmt.Errorf("获取候选人缓存失败: %w", err)
	}
	return nominees, found, nil
}

// SetNominees 设置候选人列表缓存，有效期1小时
func (r *RedisRepository) SetNominees(ctx context.Context, nominees []model.Nominee) error {
	if err := r.setJSON(ctx, NomineesKey, nominees, NomineesTTL); err != nil {
		return fmt.Errorf("设置候选人缓存失败: %w", err)
	}
	return nil
}

// GetTally 从缓存获取计票结果
func (r *RedisRepository) GetTally(ctx context.Context) ([]model.NomineeTally, bool, error) {
	var tallies []model.NomineeTally
	found, err := r.getJSON(ctx, TallyKey, &tallies)
	if err != nil {
		return nil, false, fmt.Errorf("获取计票缓存失败: %w", err)
	}
	return tallies, found, nil
}

// SetTally 设置计票缓存
func (r *RedisRepository) SetTally(ctx context.Context, tallies []model.NomineeTally) error {
	if err := r.setJSON(ctx, TallyKey, tallies, TallyTTL); err != nil {
		return fmt.Errorf("设置计票缓存失败: %w", err)
	}
	return nil
}

// DeleteTallyCache 删除计票缓存
func (r *RedisRepository) DeleteTallyCache(ctx context.Context) error {
	if err := r.client.Del(ctx, TallyKey).Err(); err != nil {
		return fmt.Errorf("删除计票缓存失败: %w", err)
	}
	return nil
}

// SaveOTP 保存验证码摘要，覆盖同一手机号之前的验证码
func (r *RedisRepository) SaveOTP(ctx context.Context, phone, codeHash string, ttl time.Duration, attempts int) error {
	key := OTPKey + phone
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"code":     codeHash,
		"attempts": attempts,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存验证码失败: %w", err)
	}
	return nil
}

// VerifyOTP 使用预加载的Lua脚本校验验证码，保证原子性
func (r *RedisRepository) VerifyOTP(ctx context.Context, phone, codeHash string) (OTPStatus, int, error) {
	key := OTPKey + phone

	sha1, ok := r.scriptHashes["verifyOTP"]
	if !ok {
		return 0, 0, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(ctx, sha1, []string{key}, codeHash).Result()
	if err != nil {
		// 如果脚本不存在，重新加载并再次尝试
		if !strings.HasPrefix(err.Error(), "NOSCRIPT") {
			return 0, 0, fmt.Errorf("执行验证码校验脚本失败: %w", err)
		}
		// SHA1由脚本内容决定，重新加载后不变，不需要更新scriptHashes
		sha1, err = r.client.ScriptLoad(ctx, VerifyOTPScript).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("重新加载验证码校验脚本失败: %w", err)
		}

		result, err = r.client.EvalSha(ctx, sha1, []string{key}, codeHash).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("执行验证码校验脚本失败: %w", err)
		}
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return 0, 0, fmt.Errorf("LUA脚本返回格式错误")
	}
	status, ok := resultSlice[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("LUA脚本返回状态码类型错误")
	}
	remaining, ok := resultSlice[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("LUA脚本返回剩余次数类型错误")
	}

	return OTPStatus(status), int(remaining), nil
}

func (r *RedisRepository) getJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil // 缓存未命中
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("解析缓存失败: %w", err)
	}
	return true, nil
}

func (r *RedisRepository) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
