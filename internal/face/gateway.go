package face

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
)

// Gateway 人脸比对服务，返回两张图片为同一人的置信度 [0,100]
type Gateway interface {
	Compare(ctx context.Context, imageOne, imageTwo string) (float64, error)
}

// GatewayError 比对服务调用失败（网络、凭证、限流、响应格式），不是比对不通过
type GatewayError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("face gateway: status %d: %s: %v", e.StatusCode, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("face gateway: %s: %v", e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("face gateway: status %d: %s", e.StatusCode, e.Message)
	default:
		return "face gateway: " + e.Message
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// compareResponse Face++ compare 接口响应中用到的字段
type compareResponse struct {
	Confidence   *float64 `json:"confidence"`
	ErrorMessage string   `json:"error_message"`
	RequestID    string   `json:"request_id"`
	TimeUsed     int      `json:"time_used"`
}

// maxResponseBytes 比对接口响应体上限
const maxResponseBytes = 1 << 20

// FacePlusPlus Face++ compare 接口客户端
type FacePlusPlus struct {
	endpoint   string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewFacePlusPlus(cfg config.FaceConfig, logger *zap.Logger) *FacePlusPlus {
	return &FacePlusPlus{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("face"),
	}
}

// Compare 比对两张base64图片
func (f *FacePlusPlus) Compare(ctx context.Context, imageOne, imageTwo string) (float64, error) {
	form := url.Values{}
	form.Set("api_key", f.apiKey)
	form.Set("api_secret", f.apiSecret)
	form.Set("image_base64_1", imageOne)
	form.Set("image_base64_2", imageTwo)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, &GatewayError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f.logger.Debug("发送人脸比对请求",
		zap.Int("image1_len", len(imageOne)),
		zap.Int("image2_len", len(imageTwo)),
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, &GatewayError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	var parsed compareResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.ErrorMessage != "" {
			msg = parsed.ErrorMessage
		}
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	if parsed.ErrorMessage != "" {
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: parsed.ErrorMessage}
	}
	// 未检测到人脸时Face++不返回confidence
	if parsed.Confidence == nil {
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: "response has no confidence"}
	}
	confidence := *parsed.Confidence
	if confidence < 0 || confidence > 100 {
		return 0, &GatewayError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("confidence %v out of range", confidence)}
	}

	f.logger.Info("人脸比对完成",
		zap.Float64("confidence", confidence),
		zap.String("request_id", parsed.RequestID),
		zap.Duration("latency", time.Since(start)),
	)
	return confidence, nil
}
