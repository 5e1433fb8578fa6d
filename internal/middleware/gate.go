// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/authrelay/internal/model"
	"github.com/hitoshi/authrelay/internal/verifier"
)

// ゲートの拒否理由。レスポンスの {"error": ...} とメトリクスラベルに使う。
const (
	ReasonBrowserAccess     = "browser access not allowed"
	ReasonNoSessionCookie   = "no session cookie provided"
	ReasonInvalidSession    = "invalid or expired session"
	ReasonValidationFailure = "session validation failed"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	identityContextKey = contextKey("identity")
	sessionContextKey  = contextKey("session")
)

// Verifier はセッション検証に必要なインターフェース。
// verifier.Clientが満たす。
type Verifier interface {
	Verify(ctx context.Context, cookieHeader string) verifier.Verdict
}

// GateRecorder はゲート判定のメトリクス記録先。
type GateRecorder interface {
	RecordGateDecision(statusCode int, reason string)
}

// CallerPredicate はリクエストヘッダーからサーバー間呼び出しかどうかを判定する。
type CallerPredicate func(header http.Header) bool

// IsServerToServerCaller はデフォルトの呼び出し元判定。
// sec-fetch-siteヘッダーが存在し"none"でない場合、またはUser-Agentがブラウザを示し
// CLIツールを示さない場合はブラウザからのアクセスとみなしてfalseを返す。
// ヘッダーは偽装可能なため多層防御の一層であり、信頼境界はセッション検証が担う。
func IsServerToServerCaller(header http.Header) bool {
	if site := header.Get("Sec-Fetch-Site"); site != "" && site != "none" {
		return false
	}
	ua := header.Get("User-Agent")
	if strings.Contains(ua, "Mozilla") && !strings.Contains(ua, "curl") {
		return false
	}
	return true
}

// GateConfig はアクセスゲートの設定。
type GateConfig struct {
	Verifier Verifier
	// IsServerCaller がnilの場合はIsServerToServerCallerを使用する。
	IsServerCaller CallerPredicate
	Metrics        GateRecorder
	Logger         *slog.Logger
}

// NewGateMiddleware はリソースサービスの保護ルートに置くアクセスゲートを返す。
// ブラウザからの直接アクセスを403で拒否し、Cookieがなければ401を返す。
// セッション検証に成功した場合はユーザーとセッションをリクエストコンテキストに注入する。
// 認証サービスへ到達できない場合は500で閉じる。
func NewGateMiddleware(cfg GateConfig) func(next http.Handler) http.Handler {
	isServerCaller := cfg.IsServerCaller
	if isServerCaller == nil {
		isServerCaller = IsServerToServerCaller
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deny := func(w http.ResponseWriter, status int, reason string) {
		if cfg.Metrics != nil {
			cfg.Metrics.RecordGateDecision(status, reason)
		}
		WriteReasonResponse(w, status, reason)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. 呼び出し元の判定
			if !isServerCaller(r.Header) {
				logger.Warn("browser access rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				deny(w, http.StatusForbidden, ReasonBrowserAccess)
				return
			}

			// 2. Cookieの存在確認
			cookieHeader := strings.Join(r.Header.Values("Cookie"), "; ")
			if strings.TrimSpace(cookieHeader) == "" {
				deny(w, http.StatusUnauthorized, ReasonNoSessionCookie)
				return
			}

			// 3. セッション検証
			v := cfg.Verifier.Verify(r.Context(), cookieHeader)
			switch v.Outcome {
			case verifier.Authenticated:
				if cfg.Metrics != nil {
					cfg.Metrics.RecordGateDecision(http.StatusOK, "granted")
				}
				setLogUserID(r.Context(), v.Identity.ID)
				ctx := ContextWithIdentity(r.Context(), *v.Identity, *v.Session)
				next.ServeHTTP(w, r.WithContext(ctx))
			case verifier.TransportError:
				attrs := []any{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				if v.Err != nil {
					attrs = append(attrs, slog.String("error", v.Err.Error()))
				}
				logger.Error("session validation failed", attrs...)
				deny(w, http.StatusInternalServerError, ReasonValidationFailure)
			case verifier.ServiceError:
				attrs := []any{slog.Int("upstream_status", v.StatusCode)}
				if v.Err != nil {
					attrs = append(attrs, slog.String("error", v.Err.Error()))
				}
				logger.Warn("session service error", attrs...)
				deny(w, http.StatusUnauthorized, ReasonInvalidSession)
			default:
				deny(w, http.StatusUnauthorized, ReasonInvalidSession)
			}
		})
	}
}

// IdentityFromContext はリクエストコンテキストから検証済みユーザーを取得する。
// ゲートを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok || identity.ID == "" {
		return model.Identity{}, false
	}
	return identity, true
}

// SessionFromContext はリクエストコンテキストから検証済みセッションを取得する。
func SessionFromContext(ctx context.Context) (model.SessionInfo, bool) {
	session, ok := ctx.Value(sessionContextKey).(model.SessionInfo)
	return session, ok
}

// ContextWithIdentity はコンテキストにユーザーとセッションを注入する。
// テストやゲート以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity model.Identity, session model.SessionInfo) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, identity)
	return context.WithValue(ctx, sessionContextKey, session)
}
