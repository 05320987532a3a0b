package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Facing 摄像头朝向
type Facing string

const (
	// FacingEnvironment 后置摄像头，拍证件
	FacingEnvironment Facing = "environment"
	// FacingUser 前置摄像头，拍人脸
	FacingUser Facing = "user"
)

var (
	ErrDeviceBusy   = errors.New("camera is already streaming")
	ErrNoSource     = errors.New("no image source for facing")
	ErrStreamClosed = errors.New("camera stream is closed")
)

// Stream 一个打开的视频流
type Stream interface {
	// Capture 截取当前帧，返回JPEG字节
	Capture(ctx context.Context) ([]byte, error)
	Close() error
}

// Device 以图片文件模拟摄像头，每个朝向对应一个文件；同一时刻只能打开一个流
type Device struct {
	mu      sync.Mutex
	sources map[Facing]string
	active  *fileStream
}

func NewDevice(sources map[Facing]string) *Device {
	copied := make(map[Facing]string, len(sources))
	for k, v := range sources {
		copied[k] = v
	}
	return &Device{sources: copied}
}

func (d *Device) Open(ctx context.Context, facing Facing) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, ErrDeviceBusy
	}
	path, ok := d.sources[facing]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, facing)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("打开摄像头失败: %w", err)
	}

	d.active = &fileStream{device: d, path: path}
	return d.active, nil
}

// Active 当前是否有打开的流
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *Device) release(s *fileStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == s {
		d.active = nil
	}
}

type fileStream struct {
	device *Device
	path   string

	mu     sync.Mutex
	closed bool
}

func (s *fileStream) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	frame, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取画面失败: %w", err)
	}
	return frame, nil
}

func (s *fileStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.device.release(s)
	return nil
}
