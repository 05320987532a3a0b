package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/internal/model"
	"github.com/lvdashuaibi/facevote/internal/otp"
	"github.com/lvdashuaibi/facevote/internal/service"
)

const (
	msgVoteSaved       = "Vote saved successfully"
	msgFaceMismatch    = "Face comparison failed"
	msgMissingImages   = "Both image_base64_1 and image_base64_2 are required"
	msgDuplicateVoter  = "Voter has already voted"
	msgVoteInProgress  = "A vote for this voter is already being processed"
	msgCompareFailed   = "Failed to compare faces"
	msgBodyTooLarge    = "Request body too large"
	msgInvalidBody     = "Request body could not be parsed"
	codeDuplicateVoter = "duplicate_voter"
	codeVoteInProgress = "vote_in_progress"
)

// VoteService 投票业务
type VoteService interface {
	ListNominees(ctx context.Context) ([]model.Nominee, error)
	SubmitVote(ctx context.Context, req *model.VoteRequest) (service.SubmitResult, error)
	Tally(ctx context.Context) ([]model.NomineeTally, error)
}

// HealthChecker 健康检查依赖
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	votes  VoteService
	otp    otp.Provider
	health HealthChecker
	logger *zap.Logger
}

func NewHandler(votes VoteService, otpProvider otp.Provider, health HealthChecker, logger *zap.Logger) *Handler {
	return &Handler{
		votes:  votes,
		otp:    otpProvider,
		health: health,
		logger: logger.Named("rest"),
	}
}

// ListNominees GET /api/
func (h *Handler) ListNominees(c *gin.Context) {
	nominees, err := h.votes.ListNominees(c.Request.Context())
	if err != nil {
		h.logger.Error("获取候选人列表失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.NomineeListResponse{Success: false, Error: err.Error()})
		return
	}
	if nominees == nil {
		nominees = []model.Nominee{}
	}
	c.JSON(http.StatusOK, model.NomineeListResponse{Success: true, Data: nominees})
}

// SubmitVote POST /api/votes，支持JSON、urlencoded和multipart
func (h *Handler) SubmitVote(c *gin.Context) {
	var req model.VoteRequest
	if err := c.ShouldBind(&req); err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, model.VoteResponse{Success: false, Error: msgBodyTooLarge})
			return
		}
		msg := msgInvalidBody
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msg = msgMissingImages
		}
		c.JSON(http.StatusBadRequest, model.VoteResponse{
			Success:      false,
			Error:        msg,
			ReceivedData: &req,
		})
		return
	}

	result, err := h.votes.SubmitVote(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingImages):
			c.JSON(http.StatusBadRequest, model.VoteResponse{Success: false, Error: msgMissingImages, ReceivedData: &req})
		case errors.Is(err, service.ErrUnverifiedIdentity):
			c.JSON(http.StatusBadRequest, model.VoteResponse{Success: false, Error: err.Error(), ReceivedData: &req})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, model.VoteResponse{
				Success: false,
				Error:   msgCompareFailed,
				Details: err.Error(),
			})
		}
		return
	}

	switch result.Kind {
	case service.OutcomeAccepted:
		c.JSON(http.StatusOK, model.VoteResponse{Success: true, Message: msgVoteSaved, Vote: result.Vote})
	case service.OutcomeRejected:
		confidence := result.Confidence
		c.JSON(http.StatusOK, model.VoteResponse{Success: false, Message: msgFaceMismatch, Confidence: &confidence})
	case service.OutcomeDuplicateVoter:
		c.JSON(http.StatusConflict, model.VoteResponse{Success: false, Error: msgDuplicateVoter, Code: codeDuplicateVoter})
	case service.OutcomeInProgress:
		c.JSON(http.StatusConflict, model.VoteResponse{Success: false, Error: msgVoteInProgress, Code: codeVoteInProgress})
	default:
		h.logger.Error("未知的投票结果", zap.Stringer("kind", result.Kind))
		c.JSON(http.StatusInternalServerError, model.VoteResponse{Success: false, Error: msgCompareFailed})
	}
}

// Tally GET /api/tally
func (h *Handler) Tally(c *gin.Context) {
	tallies, err := h.votes.Tally(c.Request.Context())
	if err != nil {
		h.logger.Error("获取计票结果失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.TallyResponse{Success: false, Error: err.Error()})
		return
	}
	if tallies == nil {
		tallies = []model.NomineeTally{}
	}
	c.JSON(http.StatusOK, model.TallyResponse{Success: true, Data: tallies})
}

// SendCode POST /api/otp/send
func (h *Handler) SendCode(c *gin.Context) {
	var req model.OTPRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.OTPResponse{Success: false, Error: "phoneNumber is required"})
		return
	}
	if err := h.otp.SendCode(c.Request.Context(), req.PhoneNumber); err != nil {
		h.otpError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.OTPResponse{Success: true, Message: "Verification code sent"})
}

// VerifyCode POST /api/otp/verify
func (h *Handler) VerifyCode(c *gin.Context) {
	var req model.OTPRequest
	if err := c.ShouldBind(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, model.OTPResponse{Success: false, Error: "phoneNumber and code are required"})
		return
	}
	if err := h.otp.VerifyCode(c.Request.Context(), req.PhoneNumber, req.Code); err != nil {
		h.otpError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.OTPResponse{Success: true, Message: "Phone number verified"})
}

func (h *Handler) otpError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, otp.ErrInvalidPhone), errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrCodeExpired):
		status = http.StatusBadRequest
	case errors.Is(err, otp.ErrTooManyAttempts):
		status = http.StatusTooManyRequests
	default:
		h.logger.Error("验证码服务失败", zap.Error(err))
	}
	c.JSON(status, model.OTPResponse{Success: false, Error: err.Error()})
}

// Health GET /health
func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
