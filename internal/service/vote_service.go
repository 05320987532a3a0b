package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/face"
	"github.com/lvdashuaibi/facevote/internal/lock"
	"github.com/lvdashuaibi/facevote/internal/model"
	"github.com/lvdashuaibi/facevote/internal/repository"
)

var (
	// ErrMissingImages 请求缺少任一张图片
	ErrMissingImages = errors.New("both images are required")
	// ErrUnverifiedIdentity 证件号为空或是客户端占位值
	ErrUnverifiedIdentity = errors.New("voter identity could not be verified")
)

const (
	catalogSeedLock   = "facevote:catalog:seed:lock"
	voterLockPrefix   = "facevote:vote:"
	defaultLockTTL    = 30 * time.Second
	lockReleaseWindow = 5 * time.Second
)

// OutcomeKind 投票提交结果类别
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota + 1
	OutcomeRejected
	OutcomeDuplicateVoter
	OutcomeInProgress
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeDuplicateVoter:
		return "DUPLICATE_VOTER"
	case OutcomeInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// SubmitResult 投票提交结果
// Accepted 时 Vote 非空；Rejected 和 Accepted 时 Confidence 为比对置信度
type SubmitResult struct {
	Kind       OutcomeKind
	Vote       *model.Vote
	Confidence float64
}

// Store 投票记录与候选人目录
type Store interface {
	SeedNominees(ctx context.Context, names []string) (int, error)
	ListNominees(ctx context.Context) ([]model.Nominee, error)
	CreateVote(ctx context.Context, vote *model.Vote) error
	GetVoteByIdentity(ctx context.Context, voterNationalNumber string) (*model.Vote, error)
	CountVotesByNominee(ctx context.Context) ([]model.NomineeTally, error)
}

// Cache 读缓存，由Redis仓库实现
type Cache interface {
	GetNominees(ctx context.Context) ([]model.Nominee, bool, error)
	SetNominees(ctx context.Context, nominees []model.Nominee) error
	GetTally(ctx context.Context) ([]model.NomineeTally, bool, error)
	SetTally(ctx context.Context, tallies []model.NomineeTally) error
	DeleteTallyCache(ctx context.Context) error
}

// NopCache 未启用Redis时使用，总是未命中
type NopCache struct{}

func (NopCache) GetNominees(context.Context) ([]model.Nominee, bool, error) { return nil, false, nil }
func (NopCache) SetNominees(context.Context, []model.Nominee) error        { return nil }
func (NopCache) GetTally(context.Context) ([]model.NomineeTally, bool, error) {
	return nil, false, nil
}
func (NopCache) SetTally(context.Context, []model.NomineeTally) error { return nil }
func (NopCache) DeleteTallyCache(context.Context) error               { return nil }

// EventPublisher 投票事件发布，由Kafka生产者实现
type EventPublisher interface {
	SendVoteEvent(ctx context.Context, event *model.VoteEvent) error
}

type VoteService struct {
	store     Store
	cache     Cache
	publisher EventPublisher
	locker    lock.Lock
	gateway   face.Gateway
	cfg       config.VoteConfig
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewVoteService cache、publisher 可以为nil，locker 为nil时使用进程内锁
func NewVoteService(
	store Store,
	cache Cache,
	publisher EventPublisher,
	locker lock.Lock,
	gateway face.Gateway,
	cfg config.VoteConfig,
	lockTTL time.Duration,
	logger *zap.Logger,
) *VoteService {
	if cache == nil {
		cache = NopCache{}
	}
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &VoteService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		locker:    locker,
		gateway:   gateway,
		cfg:       cfg,
		lockTTL:   lockTTL,
		logger:    logger.Named("service"),
	}
}

// SeedCatalog 持有种子锁时写入候选人，目录非空时不做任何事
func (s *VoteService) SeedCatalog(ctx context.Context, names []string) (int, error) {
	acquired, err := s.locker.AcquireLock(ctx, catalogSeedLock, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("获取种子锁失败: %w", err)
	}
	if !acquired {
		s.logger.Info("其他实例正在写入候选人目录，跳过")
		return 0, nil
	}
	defer s.releaseLock(catalogSeedLock)

	inserted, err := s.store.SeedNominees(ctx, names)
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.logger.Info("已写入候选人目录", zap.Int("count", inserted))
		nominees, err := s.store.ListNominees(ctx)
		if err == nil {
			if err := s.cache.SetNominees(ctx, nominees); err != nil {
				s.logger.Warn("刷新候选人缓存失败", zap.Error(err))
			}
		}
	}
	return inserted, nil
}

// ListNominees 获取候选人列表，先查缓存
func (s *VoteService) ListNominees(ctx context.Context) ([]model.Nominee, error) {
	nominees, found, err := s.cache.GetNominees(ctx)
	if err != nil {
		s.logger.Warn("读取候选人缓存失败", zap.Error(err))
	}
	if found {
		return nominees, nil
	}

	nominees, err = s.store.ListNominees(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetNominees(ctx, nominees); err != nil {
		s.logger.Warn("更新候选人缓存失败", zap.Error(err))
	}
	return nominees, nil
}

// SubmitVote 校验人脸并保存投票
func (s *VoteService) SubmitVote(ctx context.Context, req *model.VoteRequest) (SubmitResult, error) {
	if req == nil || req.ImageBase64One == "" || req.ImageBase64Two == "" {
		return SubmitResult{}, ErrMissingImages
	}

	identity := strings.TrimSpace(req.VoterNationalNumber)
	if s.cfg.RejectPlaceholderIdentity && (identity == "" || identity == s.cfg.PlaceholderIdentity) {
		return SubmitResult{}, ErrUnverifiedIdentity
	}
	log := s.logger.With(zap.String("nominee", req.NomineeName), zap.String("voter", identity))

	// 同一证件号的并发提交只放行一个去调用比对服务
	lockName := voterLockPrefix + identity
	acquired, err := s.locker.AcquireLock(ctx, lockName, s.lockTTL)
	switch {
	case err != nil:
		log.Warn("获取投票锁失败，继续处理", zap.Error(err))
	case !acquired:
		return SubmitResult{Kind: OutcomeInProgress}, nil
	default:
		defer s.releaseLock(lockName)
	}

	existing, err := s.store.GetVoteByIdentity(ctx, identity)
	switch {
	case err == nil && existing != nil:
		log.Info("该证件号已经投过票")
		return SubmitResult{Kind: OutcomeDuplicateVoter}, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return SubmitResult{}, err
	}

	confidence, err := s.gateway.Compare(ctx, req.ImageBase64One, req.ImageBase64Two)
	if err != nil {
		return SubmitResult{}, err
	}

	if confidence <= s.cfg.Threshold {
		log.Info("人脸比对未通过", zap.Float64("confidence", confidence))
		return SubmitResult{Kind: OutcomeRejected, Confidence: confidence}, nil
	}

	vote := &model.Vote{
		NomineeName:         req.NomineeName,
		VoterNationalNumber: identity,
		ImageBase64One:      req.ImageBase64One,
		ImageBase64Two:      req.ImageBase64Two,
		Confidence:          confidence,
	}
	if err := s.store.CreateVote(ctx, vote); err != nil {
		if errors.Is(err, repository.ErrDuplicateVoter) {
			log.Info("保存时发现重复投票")
			return SubmitResult{Kind: OutcomeDuplicateVoter}, nil
		}
		return SubmitResult{}, err
	}
	log.Info("投票已保存", zap.Uint("vote_id", vote.ID), zap.Float64("confidence", confidence))

	s.publish(ctx, vote)
	return SubmitResult{Kind: OutcomeAccepted, Vote: vote, Confidence: confidence}, nil
}

// publish 发送投票事件；发送失败或未启用Kafka时直接清除计票缓存
func (s *VoteService) publish(ctx context.Context, vote *model.Vote) {
	if s.publisher != nil {
		event := &model.VoteEvent{
			VoteID:              vote.ID,
			NomineeName:         vote.NomineeName,
			VoterNationalNumber: vote.VoterNationalNumber,
			Confidence:          vote.Confidence,
			VotedAt:             vote.CreatedAt,
		}
		err := s.publisher.SendVoteEvent(ctx, event)
		if err == nil {
			return
		}
		s.logger.Warn("发送投票事件到Kafka失败", zap.Uint("vote_id", vote.ID), zap.Error(err))
	}
	if err := s.cache.DeleteTallyCache(ctx); err != nil {
		s.logger.Warn("删除计票缓存失败", zap.Error(err))
	}
}

// Tally 各候选人得票数，目录中没有票的候选人计0
func (s *VoteService) Tally(ctx context.Context) ([]model.NomineeTally, error) {
	tallies, found, err := s.cache.GetTally(ctx)
	if err != nil {
		s.logger.Warn("读取计票缓存失败", zap.Error(err))
	}
	if found {
		return tallies, nil
	}

	nominees, err := s.ListNominees(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountVotesByNominee(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int64, len(counts))
	for _, c := range counts {
		byName[c.NomineeName] = c.Votes
	}
	tallies = make([]model.NomineeTally, 0, len(nominees)+len(counts))
	for _, n := range nominees {
		tallies = append(tallies, model.NomineeTally{NomineeName: n.Name, Votes: byName[n.Name]})
		delete(byName, n.Name)
	}
	// 投给目录外名字的票放在最后
	for _, c := range counts {
		if _, ok := byName[c.NomineeName]; ok {
			tallies = append(tallies, c)
		}
	}

	if err := s.cache.SetTally(ctx, tallies); err != nil {
		s.logger.Warn("更新计票缓存失败", zap.Error(err))
	}
	return tallies, nil
}

// ProcessVoteEvent 处理投票事件（消费者使用）
func (s *VoteService) ProcessVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	if err := s.cache.DeleteTallyCache(ctx); err != nil {
		return fmt.Errorf("处理投票事件删除计票缓存失败: %w", err)
	}
	s.logger.Debug("处理投票事件成功", zap.Uint("vote_id", event.VoteID), zap.String("nominee", event.NomineeName))
	return nil
}

func (s *VoteService) releaseLock(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), lockReleaseWindow)
	defer cancel()
	if err := s.locker.ReleaseLock(ctx, name); err != nil {
		s.logger.Warn("释放锁失败", zap.String("lock", name), zap.Error(err))
	}
}
