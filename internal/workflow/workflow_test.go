package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvdashuaibi/facevote/internal/camera"
	"github.com/lvdashuaibi/facevote/internal/model"
)

type fakeCamera struct {
	mu        sync.Mutex
	active    int
	maxActive int
	facings   []camera.Facing
	frames    map[camera.Facing][]byte

	// hang 为true时Capture一直等到流被关闭
	hang      bool
	capturing chan struct{}
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{frames: map[camera.Facing][]byte{
		camera.FacingEnvironment: []byte("id-card"),
		camera.FacingUser:        []byte("selfie"),
	}}
}

func (c *fakeCamera) Open(_ context.Context, facing camera.Facing) (camera.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.facings = append(c.facings, facing)
	return &fakeStream{cam: c, frame: c.frames[facing], done: make(chan struct{})}, nil
}

func (c *fakeCamera) activeStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type fakeStream struct {
	cam    *fakeCamera
	frame  []byte
	closed bool
	done   chan struct{}
}

func (s *fakeStream) Capture(ctx context.Context) ([]byte, error) {
	if !s.cam.hang {
		return s.frame, nil
	}
	close(s.cam.capturing)
	select {
	case <-s.done:
		return nil, camera.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.cam.mu.Lock()
	s.cam.active--
	s.cam.mu.Unlock()
	return nil
}

type fakeVerifier struct {
	sendErr, verifyErr error
	phone              string
}

func (v *fakeVerifier) SendCode(_ context.Context, phone string) error {
	v.phone = phone
	return v.sendErr
}

func (v *fakeVerifier) VerifyCode(context.Context, string, string) error {
	return v.verifyErr
}

// gatedRecognizer 在 release 关闭前不返回
type gatedRecognizer struct {
	text    string
	release chan struct{}
}

func (r *gatedRecognizer) Recognize(ctx context.Context, _ string) (string, error) {
	select {
	case <-r.release:
		return r.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeSubmitter struct {
	calls   atomic.Int32
	mu      sync.Mutex
	last    *model.VoteRequest
	resp    *model.VoteResponse
	err     error
	started chan struct{}
	finish  chan struct{}
}

func (s *fakeSubmitter) SubmitVote(_ context.Context, req *model.VoteRequest) (*model.VoteResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	if s.started != nil {
		close(s.started)
	}
	if s.finish != nil {
		<-s.finish
	}
	return s.resp, s.err
}

type harness struct {
	wf         *Workflow
	cam        *fakeCamera
	verifier   *fakeVerifier
	recognizer *gatedRecognizer
	submitter  *fakeSubmitter
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		cam:        newFakeCamera(),
		verifier:   &fakeVerifier{},
		recognizer: &gatedRecognizer{text: "رقم ٩٨٧١٢٣٤٥٦٧", release: make(chan struct{})},
		submitter:  &fakeSubmitter{resp: &model.VoteResponse{Success: true, Message: "Vote saved successfully"}},
	}
	h.wf = New("Ahmad Ali", h.cam, h.verifier, h.recognizer, h.submitter, opts...)
	return h
}

// advance 从手机号一路走到 Success
func (h *harness) advance(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	steps := []func() error{
		func() error { return h.wf.SubmitPhone(ctx, "0791234567") },
		func() error { return h.wf.SubmitOTP(ctx, "123456") },
		func() error { return h.wf.StartCamera(ctx) },
		func() error { return h.wf.Capture(ctx) },
		func() error { return h.wf.StartCamera(ctx) },
		func() error { return h.wf.Capture(ctx) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	h := newHarness()
	defer h.wf.Close()
	h.advance(t)

	if st := h.wf.Status(); st.Step != StepSuccess || st.Submit != SubmitIdle {
		t.Fatalf("Unexpected status before submit: %+v", st)
	}
	if want := []camera.Facing{camera.FacingEnvironment, camera.FacingUser}; len(h.cam.facings) != 2 ||
		h.cam.facings[0] != want[0] || h.cam.facings[1] != want[1] {
		t.Errorf("Unexpected camera facings: %v", h.cam.facings)
	}
	if h.cam.maxActive != 1 || h.cam.activeStreams() != 0 {
		t.Errorf("Camera must be exclusive and released: max=%d active=%d", h.cam.maxActive, h.cam.activeStreams())
	}

	resp, err := h.wf.Submit(context.Background())
	if err != nil || !resp.Success {
		t.Fatalf("Submit = %+v, %v", resp, err)
	}
	last := h.submitter.last
	if last.ImageBase64One != base64.StdEncoding.EncodeToString([]byte("id-card")) ||
		last.ImageBase64Two != base64.StdEncoding.EncodeToString([]byte("selfie")) {
		t.Errorf("Unexpected images in request: %+v", last)
	}
	// 识别还没完成，使用占位值
	if last.VoterNationalNumber != DefaultPlaceholderIdentity {
		t.Errorf("Expected placeholder identity, got %q", last.VoterNationalNumber)
	}
	if st := h.wf.Status(); st.Submit != SubmitSucceeded || st.Message != successMessage {
		t.Errorf("Unexpected status after submit: %+v", st)
	}
}

func TestWorkflowWaitsForExtraction(t *testing.T) {
	h := newHarness(WithExtractionWait(time.Second))
	defer h.wf.Close()
	h.advance(t)
	close(h.recognizer.release)

	if _, err := h.wf.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := h.submitter.last.VoterNationalNumber; got != "9871234567" {
		t.Errorf("Expected extracted identity, got %q", got)
	}
	if st := h.wf.Status(); st.NationalID != "9871234567" {
		t.Errorf("Expected NationalID in status, got %+v", st)
	}
}

func TestWorkflowSubmitsOnce(t *testing.T) {
	h := newHarness()
	defer h.wf.Close()
	h.advance(t)
	h.submitter.started = make(chan struct{})
	h.submitter.finish = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.wf.Submit(context.Background()); err != nil {
			t.Errorf("First submit failed: %v", err)
		}
	}()

	<-h.submitter.started
	if st := h.wf.Status(); st.Submit != SubmitPending {
		t.Errorf("Expected pending while in flight, got %s", st.Submit)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := h.wf.Submit(context.Background())
		if err != nil || resp == nil || !resp.Success {
			t.Errorf("Second submit should return stored result, got %+v %v", resp, err)
		}
	}()

	close(h.submitter.finish)
	wg.Wait()

	if _, err := h.wf.Submit(context.Background()); err != nil {
		t.Errorf("Third submit failed: %v", err)
	}
	if n := h.submitter.calls.Load(); n != 1 {
		t.Errorf("Expected exactly one submission, got %d", n)
	}
}

func TestWorkflowSubmitFailureMessage(t *testing.T) {
	tests := []struct {
		name string
		resp *model.VoteResponse
		err  error
		want string
	}{
		{name: "rejected", resp: &model.VoteResponse{Message: "Face comparison failed"}, want: "Face comparison failed"},
		{name: "duplicate", resp: &model.VoteResponse{Error: "Voter has already voted"}, want: "Voter has already voted"},
		{name: "transport", err: errors.New("connection refused"), want: "connection refused"},
		{name: "empty envelope", resp: &model.VoteResponse{}, want: failureMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			defer h.wf.Close()
			h.advance(t)
			h.submitter.resp, h.submitter.err = tt.resp, tt.err

			h.wf.Submit(context.Background())
			st := h.wf.Status()
			if st.Submit != SubmitFailed || st.Message != tt.want {
				t.Errorf("Status = %+v, want failed with %q", st, tt.want)
			}
		})
	}
}

func TestWorkflowStepGuards(t *testing.T) {
	h := newHarness()
	defer h.wf.Close()
	ctx := context.Background()

	if err := h.wf.SubmitOTP(ctx, "123456"); !errors.Is(err, ErrWrongStep) {
		t.Errorf("OTP before phone: expected ErrWrongStep, got %v", err)
	}
	if err := h.wf.StartCamera(ctx); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Camera before OTP: expected ErrWrongStep, got %v", err)
	}
	if _, err := h.wf.Submit(ctx); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Submit at phone: expected ErrWrongStep, got %v", err)
	}
	if err := h.wf.SubmitPhone(ctx, "  "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Blank phone: expected ErrEmptyInput, got %v", err)
	}

	h.verifier.sendErr = errors.New("sms down")
	if err := h.wf.SubmitPhone(ctx, "0791234567"); err == nil {
		t.Fatal("Expected SubmitPhone to fail")
	}
	if st := h.wf.Status(); st.Step != StepPhone {
		t.Errorf("Failure must not advance, got %s", st.Step)
	}

	h.verifier.sendErr = nil
	if err := h.wf.SubmitPhone(ctx, "0791234567"); err != nil {
		t.Fatalf("SubmitPhone failed: %v", err)
	}
	h.verifier.verifyErr = errors.New("bad code")
	if err := h.wf.SubmitOTP(ctx, "000000"); err == nil {
		t.Fatal("Expected SubmitOTP to fail")
	}
	if st := h.wf.Status(); st.Step != StepOTP {
		t.Errorf("Failure must not advance, got %s", st.Step)
	}

	h.verifier.verifyErr = nil
	if err := h.wf.SubmitOTP(ctx, "123456"); err != nil {
		t.Fatalf("SubmitOTP failed: %v", err)
	}
	if err := h.wf.Capture(ctx); !errors.Is(err, ErrCameraNotStarted) {
		t.Errorf("Capture without camera: expected ErrCameraNotStarted, got %v", err)
	}
}

func TestWorkflowRestartCameraKeepsSingleStream(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.wf.SubmitPhone(ctx, "0791234567"); err != nil {
		t.Fatal(err)
	}
	if err := h.wf.SubmitOTP(ctx, "123456"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := h.wf.StartCamera(ctx); err != nil {
			t.Fatalf("StartCamera #%d failed: %v", i, err)
		}
	}
	if h.cam.maxActive != 1 {
		t.Errorf("Expected at most one active stream, got %d", h.cam.maxActive)
	}

	h.wf.Close()
	if h.cam.activeStreams() != 0 {
		t.Error("Close must release the camera")
	}
	if err := h.wf.StartCamera(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestWorkflowCloseStopsExtraction(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.wf.SubmitPhone(ctx, "0791234567")
	h.wf.SubmitOTP(ctx, "123456")
	h.wf.StartCamera(ctx)
	if err := h.wf.Capture(ctx); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		h.wf.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop background extraction")
	}
	if st := h.wf.Status(); st.NationalID != "" {
		t.Errorf("Cancelled extraction must not set identity, got %q", st.NationalID)
	}
}

func TestWorkflowCloseDuringCapture(t *testing.T) {
	h := newHarness()
	h.cam.hang = true
	h.cam.capturing = make(chan struct{})
	ctx := context.Background()
	h.wf.SubmitPhone(ctx, "0791234567")
	h.wf.SubmitOTP(ctx, "123456")
	if err := h.wf.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	captured := make(chan error, 1)
	go func() { captured <- h.wf.Capture(ctx) }()
	<-h.cam.capturing

	statusDone := make(chan Status, 1)
	go func() { statusDone <- h.wf.Status() }()
	select {
	case st := <-statusDone:
		if st.Step != StepIDPhoto {
			t.Errorf("Expected id_photo step during capture, got %s", st.Step)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a pending capture")
	}

	closeDone := make(chan struct{})
	go func() {
		h.wf.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending capture")
	}

	if err := <-captured; !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from interrupted capture, got %v", err)
	}
	if h.cam.activeStreams() != 0 {
		t.Error("Close must release the camera")
	}
	if st := h.wf.Status(); st.Step != StepIDPhoto {
		t.Errorf("Interrupted capture must not advance, got %s", st.Step)
	}
}
