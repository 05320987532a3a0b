package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/internal/camera"
	"github.com/lvdashuaibi/facevote/internal/model"
	"github.com/lvdashuaibi/facevote/internal/ocr"
)

// Step 投票流程的步骤，只能向前推进
type Step int

const (
	StepPhone Step = iota
	StepOTP
	StepIDPhoto
	StepFacePhoto
	StepSuccess
)

func (s Step) String() string {
	switch s {
	case StepPhone:
		return "phone"
	case StepOTP:
		return "otp"
	case StepIDPhoto:
		return "id_photo"
	case StepFacePhoto:
		return "face_photo"
	case StepSuccess:
		return "success"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// SubmitStatus 投票提交状态
type SubmitStatus int

const (
	SubmitIdle SubmitStatus = iota
	SubmitPending
	SubmitSucceeded
	SubmitFailed
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitIdle:
		return "idle"
	case SubmitPending:
		return "pending"
	case SubmitSucceeded:
		return "success"
	case SubmitFailed:
		return "error"
	default:
		return "unknown"
	}
}

const (
	DefaultPlaceholderIdentity = "fallback_value"

	successMessage = "Your vote has been recorded successfully!"
	failureMessage = "Failed to submit vote. Please try again."
)

var (
	ErrWrongStep        = errors.New("operation not allowed at current step")
	ErrEmptyInput       = errors.New("input must not be empty")
	ErrCameraNotStarted = errors.New("camera is not started")
	ErrMissingPhotos    = errors.New("both photos are required")
	ErrClosed           = errors.New("workflow is closed")
)

// Camera 摄像头，同一时刻最多一个流
type Camera interface {
	Open(ctx context.Context, facing camera.Facing) (camera.Stream, error)
}

// PhoneVerifier 手机号验证码
type PhoneVerifier interface {
	SendCode(ctx context.Context, phone string) error
	VerifyCode(ctx context.Context, phone, code string) error
}

// Submitter 提交投票，非信封响应或传输错误以error返回
type Submitter interface {
	SubmitVote(ctx context.Context, req *model.VoteRequest) (*model.VoteResponse, error)
}

// Status 流程当前状态快照
type Status struct {
	Step       Step
	Submit     SubmitStatus
	NationalID string
	Message    string
}

type Option func(*Workflow)

// WithExtractionWait 提交前最多等待证件号识别 d；为0时不等待
func WithExtractionWait(d time.Duration) Option {
	return func(w *Workflow) { w.extractionWait = d }
}

// WithPlaceholderIdentity 未识别出证件号时提交的值
func WithPlaceholderIdentity(v string) Option {
	return func(w *Workflow) { w.placeholder = v }
}

func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) { w.logger = logger.Named("workflow") }
}

// Workflow 客户端投票流程：手机号、验证码、证件照、人脸照、提交
type Workflow struct {
	nominee    string
	camera     Camera
	verifier   PhoneVerifier
	recognizer ocr.Recognizer
	submitter  Submitter

	placeholder    string
	extractionWait time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	step       Step
	closed     bool
	phone      string
	stream     camera.Stream
	idPhoto    string
	facePhoto  string
	nationalID string

	extractDone   chan struct{}
	extractCancel context.CancelFunc

	submitStatus SubmitStatus
	submitDone   chan struct{}
	response     *model.VoteResponse
	submitErr    error
}

func New(nominee string, cam Camera, verifier PhoneVerifier, recognizer ocr.Recognizer, submitter Submitter, opts ...Option) *Workflow {
	w := &Workflow{
		nominee:     nominee,
		camera:      cam,
		verifier:    verifier,
		recognizer:  recognizer,
		submitter:   submitter,
		placeholder: DefaultPlaceholderIdentity,
		logger:      zap.NewNop(),
		step:        StepPhone,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SubmitPhone 发送验证码，成功后进入验证码步骤
func (w *Workflow) SubmitPhone(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ErrEmptyInput
	}
	if err := w.expect(StepPhone); err != nil {
		return err
	}

	if err := w.verifier.SendCode(ctx, phone); err != nil {
		return fmt.Errorf("发送验证码失败: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step == StepPhone {
		w.phone = phone
		w.step = StepOTP
	}
	return nil
}

// SubmitOTP 校验验证码，成功后进入证件拍照步骤
func (w *Workflow) SubmitOTP(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyInput
	}
	if err := w.expect(StepOTP); err != nil {
		return err
	}

	w.mu.Lock()
	phone := w.phone
	w.mu.Unlock()

	if err := w.verifier.VerifyCode(ctx, phone, code); err != nil {
		return fmt.Errorf("验证码校验失败: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step == StepOTP {
		w.step = StepIDPhoto
	}
	return nil
}

// StartCamera 释放已有的流，按当前步骤打开后置或前置摄像头
func (w *Workflow) StartCamera(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	var facing camera.Facing
	switch w.step {
	case StepIDPhoto:
		facing = camera.FacingEnvironment
	case StepFacePhoto:
		facing = camera.FacingUser
	default:
		return fmt.Errorf("%w: cannot start camera at %s", ErrWrongStep, w.step)
	}

	w.stopCameraLocked()
	stream, err := w.camera.Open(ctx, facing)
	if err != nil {
		return fmt.Errorf("打开摄像头失败: %w", err)
	}
	w.stream = stream
	return nil
}

// Capture 截取一帧并释放摄像头；证件照会在后台识别证件号
func (w *Workflow) Capture(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.step != StepIDPhoto && w.step != StepFacePhoto {
		step := w.step
		w.mu.Unlock()
		return fmt.Errorf("%w: cannot capture at %s", ErrWrongStep, step)
	}
	stream, step := w.stream, w.step
	w.mu.Unlock()
	if stream == nil {
		return ErrCameraNotStarted
	}

	// 读取画面期间不持有锁
	frame, err := stream.Capture(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("拍照失败: %w", err)
	}
	// 期间摄像头被重启或已被另一次拍照使用
	if w.stream != stream || w.step != step {
		return fmt.Errorf("%w: camera changed during capture", ErrWrongStep)
	}
	w.stopCameraLocked()
	encoded := base64.StdEncoding.EncodeToString(frame)

	if w.step == StepIDPhoto {
		w.idPhoto = encoded
		w.step = StepFacePhoto
		w.startExtractionLocked(ctx, encoded)
		return nil
	}
	w.facePhoto = encoded
	w.step = StepSuccess
	return nil
}

// startExtractionLocked 后台识别证件号，不阻塞流程推进
func (w *Workflow) startExtractionLocked(ctx context.Context, image string) {
	if w.recognizer == nil {
		return
	}
	extractCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	w.extractCancel = cancel
	w.extractDone = done

	go func() {
		defer close(done)
		defer cancel()

		id, ok, err := ocr.ExtractFromImage(extractCtx, w.recognizer, image)
		if err != nil {
			w.logger.Warn("证件号识别失败", zap.Error(err))
			return
		}
		if !ok {
			w.logger.Info("证件照中没有识别到证件号")
			return
		}
		w.mu.Lock()
		w.nationalID = id
		w.mu.Unlock()
		w.logger.Info("已识别证件号", zap.String("national_id", id))
	}()
}

// Submit 提交投票，只会真正提交一次，之后的调用返回同一结果
func (w *Workflow) Submit(ctx context.Context) (*model.VoteResponse, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	if w.step != StepSuccess {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot submit at %s", ErrWrongStep, w.step)
	}
	if w.submitDone != nil {
		done := w.submitDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.response, w.submitErr
	}
	if w.idPhoto == "" || w.facePhoto == "" {
		w.mu.Unlock()
		return nil, ErrMissingPhotos
	}
	done := make(chan struct{})
	w.submitDone = done
	w.submitStatus = SubmitPending
	extractDone := w.extractDone
	w.mu.Unlock()

	w.waitForExtraction(ctx, extractDone)

	w.mu.Lock()
	identity := w.nationalID
	if identity == "" {
		identity = w.placeholder
	}
	req := &model.VoteRequest{
		NomineeName:         w.nominee,
		VoterNationalNumber: identity,
		ImageBase64One:      w.idPhoto,
		ImageBase64Two:      w.facePhoto,
	}
	w.mu.Unlock()

	resp, err := w.submitter.SubmitVote(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.response, w.submitErr = resp, err
	if err == nil && resp != nil && resp.Success {
		w.submitStatus = SubmitSucceeded
	} else {
		w.submitStatus = SubmitFailed
	}
	close(done)
	return resp, err
}

func (w *Workflow) waitForExtraction(ctx context.Context, done <-chan struct{}) {
	if w.extractionWait <= 0 || done == nil {
		return
	}
	t := time.NewTimer(w.extractionWait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		w.logger.Info("等待证件号识别超时，使用占位值")
	case <-ctx.Done():
	}
}

// Status 当前步骤和提交状态
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{Step: w.step, Submit: w.submitStatus, NationalID: w.nationalID}
	switch w.submitStatus {
	case SubmitSucceeded:
		st.Message = successMessage
	case SubmitFailed:
		st.Message = failureText(w.response, w.submitErr)
	}
	return st
}

func failureText(resp *model.VoteResponse, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case resp != nil && resp.Message != "":
		return resp.Message
	case resp != nil && resp.Error != "":
		return resp.Error
	default:
		return failureMessage
	}
}

// Close 释放摄像头并停止后台识别，可以重复调用
func (w *Workflow) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.stopCameraLocked()
	cancel, done := w.extractCancel, w.extractDone
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (w *Workflow) stopCameraLocked() {
	if w.stream == nil {
		return
	}
	if err := w.stream.Close(); err != nil {
		w.logger.Warn("关闭摄像头失败", zap.Error(err))
	}
	w.stream = nil
}

func (w *Workflow) expect(step Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.step != step {
		return fmt.Errorf("%w: at %s, expected %s", ErrWrongStep, w.step, step)
	}
	return nil
}
