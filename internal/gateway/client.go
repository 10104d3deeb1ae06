// Package gateway предоставляет типизированный клиент REST API заказов и оплат.
package gateway

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

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	// ErrNetwork возвращается при транспортной ошибке или недоступности бэкенда.
	ErrNetwork = errors.New("order api unreachable")
	// ErrOrderSubmissionUnknown возвращается, если неизвестно, создан ли заказ. Повторять запрос нельзя.
	ErrOrderSubmissionUnknown = errors.New("order submission outcome unknown")
	// ErrVerificationFailed возвращается, если шлюз отклонил подпись платежа.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrNotCancellable возвращается, если заказ уже нельзя отменить.
	ErrNotCancellable = errors.New("order is not cancellable")
	// ErrNotFound возвращается, если заказ не найден.
	ErrNotFound = errors.New("order not found")
)

// HTTPError описывает неуспешный ответ API, не сводящийся к известным ошибкам.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("order api: status %d: %s", e.StatusCode, e.Message)
}

type noRetryKey struct{}

// Options задаёт параметры HTTP-клиента.
type Options struct {
	Token        string
	OrderType    string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
}

// Client инкапсулирует HTTP-взаимодействие с API заказов.
type Client struct {
	baseURL    string
	token      string
	orderType  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент API заказов по указанному адресу.
func NewClient(baseURL string, opts Options) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 2 * time.Second
	}
	if opts.OrderType == "" {
		opts.OrderType = "order"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = opts.Timeout
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    base,
		token:      opts.Token,
		orderType:  opts.OrderType,
		httpClient: rc,
	}
}

// checkRetry повторяет только запросы, не помеченные как неидемпотентные.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if noRetry, _ := ctx.Value(noRetryKey{}).(bool); noRetry {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("order api client not configured")
	}

	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		raw = data
	}

	var reqBody any
	if raw != nil {
		reqBody = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return 0, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload),
		}
	}

	if target != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, target); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func errorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(payload))
}

// IsRetryable сообщает, относится ли ошибка к временным сбоям сети или бэкенда.
// Неизвестный исход создания заказа повторять нельзя: повтор может создать дубликат.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrOrderSubmissionUnknown) {
		return false
	}
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
