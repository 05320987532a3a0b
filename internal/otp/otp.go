package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/repository"
)

var (
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrCodeExpired      = errors.New("verification code expired or not sent")
	ErrTooManyAttempts  = errors.New("too many verification attempts")
	phonePattern        = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
	phoneSeparatorClean = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// Provider 短信验证码服务
type Provider interface {
	SendCode(ctx context.Context, phone string) error
	VerifyCode(ctx context.Context, phone, code string) error
}

// NormalizePhone 去掉分隔符并校验手机号格式
func NormalizePhone(phone string) (string, error) {
	cleaned := phoneSeparatorClean.Replace(strings.TrimSpace(phone))
	if !phonePattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	return cleaned, nil
}

// New 按配置创建验证码服务
func New(cfg config.OTPConfig, codes CodeStore, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "stub", "":
		return NewStub(cfg.StubDelay), nil
	case "redis":
		if codes == nil {
			return nil, errors.New("redis验证码服务需要Redis")
		}
		return NewRedisProvider(cfg, codes, NewLogSender(logger)), nil
	default:
		return nil, fmt.Errorf("不支持的OTP提供方: %s", cfg.Provider)
	}
}

// Stub 模拟短信服务：固定延迟后总是成功
type Stub struct {
	delay time.Duration
}

func NewStub(delay time.Duration) *Stub {
	return &Stub{delay: delay}
}

func (s *Stub) SendCode(ctx context.Context, phone string) error {
	if _, err := NormalizePhone(phone); err != nil {
		return err
	}
	return s.wait(ctx)
}

func (s *Stub) VerifyCode(ctx context.Context, phone, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrInvalidCode
	}
	return s.wait(ctx)
}

func (s *Stub) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sender 实际下发验证码的通道
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender 把验证码写到日志，开发环境使用
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("otp")}
}

func (s *LogSender) Send(_ context.Context, phone, code string) error {
	s.logger.Info("验证码已生成", zap.String("phone", maskPhone(phone)), zap.String("code", code))
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// CodeStore 验证码存储，由Redis仓库实现
type CodeStore interface {
	SaveOTP(ctx context.Context, phone, codeHash string, ttl time.Duration, attempts int) error
	VerifyOTP(ctx context.Context, phone, codeHash string) (repository.OTPStatus, int, error)
}

// RedisProvider 生成随机验证码并保存摘要，校验时原子扣减剩余次数
type RedisProvider struct {
	codes       CodeStore
	sender      Sender
	codeLength  int
	ttl         time.Duration
	maxAttempts int
}

func NewRedisProvider(cfg config.OTPConfig, codes CodeStore, sender Sender) *RedisProvider {
	length := cfg.CodeLength
	if length <= 0 {
		length = 6
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisProvider{
		codes:       codes,
		sender:      sender,
		codeLength:  length,
		ttl:         ttl,
		maxAttempts: attempts,
	}
}

func (p *RedisProvider) SendCode(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}

	code, err := generateCode(p.codeLength)
	if err != nil {
		return fmt.Errorf("生成验证码失败: %w", err)
	}
	if err := p.codes.SaveOTP(ctx, phone, hashCode(phone, code), p.ttl, p.maxAttempts); err != nil {
		return err
	}
	if err := p.sender.Send(ctx, phone, code); err != nil {
		return fmt.Errorf("下发验证码失败: %w", err)
	}
	return nil
}

func (p *RedisProvider) VerifyCode(ctx context.Context, phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}

	status, remaining, err := p.codes.VerifyOTP(ctx, phone, hashCode(phone, code))
	if err != nil {
		return err
	}
	switch status {
	case repository.OTPMatched:
		return nil
	case repository.OTPMissing:
		return ErrCodeExpired
	case repository.OTPExhausted:
		return ErrTooManyAttempts
	default:
		return fmt.Errorf("%w: %d attempts left", ErrInvalidCode, remaining)
	}
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func hashCode(phone, code string) string {
	sum := sha256.Sum256([]byte(phone + ":" + code))
	return hex.EncodeToString(sum[:])
}
