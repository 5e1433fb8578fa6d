// Package verifier は認証サービスのセッションエンドポイントを呼び出し、
// 応答を型付きの判定結果（Verdict）に変換するクライアントを提供する。
// 「ログイン済み」の判定はこのパッケージに集約し、ダッシュボードのゲートと
// リソースサービスのミドルウェアが同じ解釈を共有する。
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authrelay/internal/httpretry"
	"github.com/hitoshi/authrelay/internal/model"
)

// sessionPath は認証サービスのセッション取得エンドポイント。
const sessionPath = "/api/session"

// maxBodySize はセッション応答として読み込む最大バイト数。
const maxBodySize = 1 << 20

// Sender はHTTPリクエストを送信するインターフェース。
// httpretry.Clientが満たす。
type Sender interface {
	Send(ctx context.Context, url string, spec httpretry.RequestSpec) (*http.Response, error)
}

// Recorder は判定結果のメトリクス記録先。
type Recorder interface {
	RecordVerdict(outcome string)
}

// Client はセッション検証クライアント。
type Client struct {
	sender      Sender
	authBaseURL string
	origin      string
	logger      *slog.Logger
	metrics     Recorder
}

// NewClient はClientを生成する。
// originは認証サービスの信頼済みオリジン検証に使うフロントエンドのオリジン。
// metricsはnilでもよい。
func NewClient(sender Sender, authBaseURL, origin string, logger *slog.Logger, metrics Recorder) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		sender:      sender,
		authBaseURL: authBaseURL,
		origin:      origin,
		logger:      logger,
		metrics:     metrics,
	}
}

// Verify はCookieヘッダーを認証サービスへ転送し、セッションを検証する。
// Cookieヘッダーが空の場合はネットワーク呼び出しを行わずUnauthenticatedを返す。
func (c *Client) Verify(ctx context.Context, cookieHeader string) Verdict {
	v := c.verify(ctx, cookieHeader)
	if c.metrics != nil {
		c.metrics.RecordVerdict(v.Outcome.String())
	}
	return v
}

func (c *Client) verify(ctx context.Context, cookieHeader string) Verdict {
	if cookieHeader == "" {
		return unauthenticated()
	}

	header := make(http.Header)
	header.Set("Cookie", cookieHeader)
	header.Set("Origin", c.origin)
	header.Set("Accept", "application/json")

	resp, err := c.sender.Send(ctx, c.authBaseURL+sessionPath, httpretry.RequestSpec{
		Method: http.MethodGet,
		Header: header,
	})
	if err != nil {
		var te *httpretry.TransportError
		if !errors.As(err, &te) {
			err = &httpretry.TransportError{URL: c.authBaseURL + sessionPath, Cause: err}
		}
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 上流のエラー本文はクライアントへ転送しない
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return serviceError(resp.StatusCode, fmt.Errorf("session endpoint returned status %d", resp.StatusCode))
	}

	identity, session, err := decodeSessionBody(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.logger.Warn("invalid session response",
			slog.Int("status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return serviceError(resp.StatusCode, err)
	}

	if identity == nil || session == nil {
		c.logger.Debug("session not found")
		return unauthenticated()
	}

	return authenticated(*identity, *session)
}

// sessionBody はセッションエンドポイントの応答スキーマ。
// null（またはキー欠落）と必須フィールド欠落を区別するためにポインタで受ける。
type sessionBody struct {
	Session *struct {
		Token     *string    `json:"token"`
		ExpiresAt *time.Time `json:"expiresAt"`
	} `json:"session"`
	User *struct {
		ID    *string `json:"id"`
		Email *string `json:"email"`
		Name  *string `json:"name"`
	} `json:"user"`
}

// decodeSessionBody は応答本文を厳密に解釈する。
// sessionまたはuserがnullの場合はnilを返す。存在するオブジェクトに必須フィールドが
// 欠けている場合はエラーを返す。未知のフィールドは無視する。
func decodeSessionBody(r io.Reader) (*model.Identity, *model.SessionInfo, error) {
	var body sessionBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("failed to decode session response: %w", err)
	}

	var session *model.SessionInfo
	if s := body.Session; s != nil {
		if s.Token == nil || *s.Token == "" {
			return nil, nil, fmt.Errorf("session response is missing session.token")
		}
		if s.ExpiresAt == nil {
			return nil, nil, fmt.Errorf("session response is missing session.expiresAt")
		}
		session = &model.SessionInfo{Token: *s.Token, ExpiresAt: *s.ExpiresAt}
	}

	var identity *model.Identity
	if u := body.User; u != nil {
		if u.ID == nil || *u.ID == "" {
			return nil, nil, fmt.Errorf("session response is missing user.id")
		}
		if u.Email == nil || *u.Email == "" {
			return nil, nil, fmt.Errorf("session response is missing user.email")
		}
		identity = &model.Identity{ID: *u.ID, Email: *u.Email}
		if u.Name != nil {
			identity.Name = *u.Name
		}
	}

	return identity, session, nil
}
