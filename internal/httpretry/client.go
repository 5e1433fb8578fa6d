// Package httpretry は接続レベルの失敗に限定した有界リトライ付きHTTPクライアントを提供する。
// HTTPステータスコード（4xx/5xxを含む）を伴うレスポンスはリトライせずにそのまま返す。
// フロントエンドのサーバーアクションとアクセスゲートの両方が認証サービスへの呼び出しに使用する。
package httpretry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

const (
	// DefaultMaxAttempts は1回の呼び出しあたりの試行回数の上限（初回を含む）。
	DefaultMaxAttempts = 3
	// DefaultBaseDelay は指数バックオフの初回遅延。
	DefaultBaseDelay = 1 * time.Second
)

// Doer はHTTPリクエストを送信するインターフェース。*http.Clientが満たす。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder は外向き呼び出しのメトリクス記録先。
type Recorder interface {
	RecordOutboundAttempt(result string)
	RecordOutboundLatency(duration time.Duration)
	RecordBreakerTransition(name, to string)
}

// RequestSpec は送信するリクエストの内容。
// リトライのたびにリクエストを組み立て直すため、ボディはバイト列で保持する。
type RequestSpec struct {
	Method string
	Header http.Header
	Body   []byte
}

// Attempt は1回の呼び出し中の試行を表す。永続化されず、呼び出しの間だけ存在する。
type Attempt struct {
	Number      int           // 0始まりの試行番号
	DelayBefore time.Duration // この試行の前に待機した時間
}

// TransportError は認証サービスへ到達できなかったことを表す。
// リトライを使い切った場合、サーキットブレーカーが開いている場合、
// または呼び出し元がキャンセルした場合に返る。
type TransportError struct {
	URL      string
	Attempts int
	Cause    error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error after %d attempt(s) to %s: %v", e.Attempts, e.URL, e.Cause)
}

// Unwrap は最後の原因エラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Config はClientの設定。
type Config struct {
	MaxAttempts             int
	BaseDelay               time.Duration
	BreakerName             string
	BreakerFailureThreshold int // 連続失敗がこの回数に達するとブレーカーを開く。0で無効
	BreakerOpenTimeout      time.Duration
}

// Client は有界リトライと指数バックオフ付きのHTTPクライアント。
// リクエスト間で可変状態を共有しないため、複数のゴルーチンから同時に使用できる。
type Client struct {
	doer        Doer
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	breaker     *gobreaker.CircuitBreaker
	metrics     Recorder
	onAttempt   func(Attempt)
}

// Option はClientのオプション設定。
type Option func(*Client)

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(r Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithAttemptObserver は各試行の直前に呼ばれるオブザーバーを設定する。
func WithAttemptObserver(fn func(Attempt)) Option {
	return func(c *Client) {
		c.onAttempt = fn
	}
}

// NewClient はClientを生成する。
// MaxAttemptsが1未満の場合はDefaultMaxAttemptsを使用する。
func NewClient(doer Doer, logger *slog.Logger, cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		// go-retryの指数バックオフは正の初期値を要求する
		cfg.BaseDelay = time.Nanosecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		doer:        doer,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.BreakerFailureThreshold > 0 {
		c.breaker = c.newBreaker(cfg)
	}

	return c
}

func (c *Client) newBreaker(cfg Config) *gobreaker.CircuitBreaker {
	name := cfg.BreakerName
	if name == "" {
		name = "outbound"
	}
	threshold := uint32(cfg.BreakerFailureThreshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 呼び出し元のキャンセルは上流の障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if c.metrics != nil {
				c.metrics.RecordBreakerTransition(name, to.String())
			}
		},
	})
}

// Send はリクエストを送信する。
// 接続レベルの失敗（DNS解決失敗、接続拒否、リセット等）に限り、合計MaxAttempts回まで試行する。
// k回目（0始まり、k>=1）の試行の前には BaseDelay * 2^(k-1) だけ待機する。
// ステータスコードに関わらずレスポンスを受信した時点で即座に返す。
// 失敗時は*TransportErrorを返す。ctxがキャンセルされると送信中の呼び出しと待機を中断する。
func (c *Client) Send(ctx context.Context, url string, spec RequestSpec) (*http.Response, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordOutboundLatency(time.Since(start))
		}
	}()

	if c.breaker == nil {
		return c.sendWithRetry(ctx, url, spec)
	}

	var resp *http.Response
	_, err := c.breaker.Execute(func() (interface{}, error) {
		r, err := c.sendWithRetry(ctx, url, spec)
		if err != nil {
			return nil, err
		}
		resp = r
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{URL: url, Attempts: 0, Cause: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) sendWithRetry(ctx context.Context, url string, spec RequestSpec) (*http.Response, error) {
	var (
		resp      *http.Response
		attempts  int
		lastDelay time.Duration
	)

	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.baseDelay))
	backoff = observeDelay(backoff, &lastDelay)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a := Attempt{Number: attempts, DelayBefore: lastDelay}
		attempts++
		if c.onAttempt != nil {
			c.onAttempt(a)
		}

		req, err := newRequest(ctx, url, spec)
		if err != nil {
			return err
		}

		r, err := c.doer.Do(req)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordOutboundAttempt("transport_error")
			}
			c.logger.Warn("outbound request failed",
				slog.String("url", url),
				slog.Int("attempt", a.Number),
				slog.Int("max_attempts", c.maxAttempts),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}

		if c.metrics != nil {
			c.metrics.RecordOutboundAttempt("response")
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, &TransportError{URL: url, Attempts: attempts, Cause: err}
	}

	return resp, nil
}

// observeDelay はバックオフが返した遅延を記録し、次の試行のAttemptに反映できるようにする。
func observeDelay(b retry.Backoff, last *time.Duration) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			*last = d
		}
		return d, stop
	})
}

func newRequest(ctx context.Context, url string, spec RequestSpec) (*http.Request, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, values := range spec.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}
