package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lvdashuaibi/facevote/internal/model"
)

// maxEnvelopeBytes 响应体上限，投票响应会回显图片
const maxEnvelopeBytes = 64 << 20

// ErrUnexpectedResponse 服务端返回的不是JSON信封
var ErrUnexpectedResponse = errors.New("unexpected response from server")

// RequestError 信封中 success=false 的验证码请求
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// Client 投票服务REST接口客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListNominees 获取候选人列表
func (c *Client) ListNominees(ctx context.Context) ([]model.Nominee, error) {
	var resp model.NomineeListResponse
	status, err := c.do(ctx, http.MethodGet, "/api/", nil, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RequestError{StatusCode: status, Message: resp.Error}
	}
	return resp.Data, nil
}

// Tally 获取计票结果
func (c *Client) Tally(ctx context.Context) ([]model.NomineeTally, error) {
	var resp model.TallyResponse
	status, err := c.do(ctx, http.MethodGet, "/api/tally", nil, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RequestError{StatusCode: status, Message: resp.Error}
	}
	return resp.Data, nil
}

// SubmitVote 提交投票；只要服务端返回了JSON信封就不返回error，由调用方看 Success
func (c *Client) SubmitVote(ctx context.Context, req *model.VoteRequest) (*model.VoteResponse, error) {
	var resp model.VoteResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/votes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendCode 请求发送短信验证码
func (c *Client) SendCode(ctx context.Context, phone string) error {
	return c.otp(ctx, "/api/otp/send", &model.OTPRequest{PhoneNumber: phone})
}

// VerifyCode 校验短信验证码
func (c *Client) VerifyCode(ctx context.Context, phone, code string) error {
	return c.otp(ctx, "/api/otp/verify", &model.OTPRequest{PhoneNumber: phone, Code: code})
}

func (c *Client) otp(ctx context.Context, path string, req *model.OTPRequest) error {
	var resp model.OTPResponse
	status, err := c.do(ctx, http.MethodPost, path, req, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &RequestError{StatusCode: status, Message: resp.Error}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("读取响应失败: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
