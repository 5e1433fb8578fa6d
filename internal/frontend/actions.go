// Package frontend はフロントエンドサーバーのサーバーアクションを提供する。
// ブラウザから受け取ったフォームを認証サービスへ中継し、
// 上流が発行したSet-CookieをリクエストスコープのJarへ反映する。
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/authrelay/internal/cookie"
	"github.com/hitoshi/authrelay/internal/httpretry"
	"github.com/hitoshi/authrelay/internal/model"
	"github.com/hitoshi/authrelay/internal/verifier"
)

// UserAgent は上流サービスへのリクエストに付与するUser-Agent。
// ブラウザと判定されないよう"Mozilla"を含めない。
const UserAgent = "authrelay-frontend/1.0"

const (
	signInPath  = "/api/auth/sign-in/email"
	signUpPath  = "/api/auth/sign-up/email"
	signOutPath = "/api/auth/sign-out"
	productPath = "/api/helloworld"
)

// ユーザー向けメッセージ
const (
	msgRequiredFields     = "Please fill in all required fields"
	msgInvalidResponse    = "Invalid response from server. Please try again."
	msgNoSession          = "No authentication session found. Please sign in."
	msgProductAuthFailed  = "Authentication failed. Please sign in again."
	msgProductForbidden   = "Access forbidden."
	msgProductServerError = "Product API server error. Please try again later."
	msgSignUpUnexpected   = "An unexpected error occurred. Please try again."
)

// Sender はHTTPリクエストを送信するインターフェース。
// httpretry.Clientが満たす。
type Sender interface {
	Send(ctx context.Context, url string, spec httpretry.RequestSpec) (*http.Response, error)
}

// SessionVerifier はCookieヘッダーからセッションを検証するインターフェース。
// verifier.Clientが満たす。
type SessionVerifier interface {
	Verify(ctx context.Context, cookieHeader string) verifier.Verdict
}

// Config はサーバーアクションの設定。
type Config struct {
	AuthBaseURL   string
	ProductAPIURL string
	// Origin は認証サービスの信頼済みオリジン検証のために送るフロントエンドのオリジン。
	Origin string
	// CookiePrefix はサインアウト時に削除するCookie名の接頭辞。
	CookiePrefix string
	// CookieDomain は認証サービスがセッションCookieに付けるDomain属性。
	// サインアウト時はこのDomain付きの削除も書き出す。
	CookieDomain string
}

// SignInForm はサインインフォームの入力値。
type SignInForm struct {
	Email    string
	Password string
}

// SignUpForm はサインアップフォームの入力値。
type SignUpForm struct {
	Name     string
	Email    string
	Password string
}

// Actions はフロントエンドのサーバーアクション群。
// 状態を持たないため、複数のリクエストから同時に使用できる。
// Cookieは呼び出しごとに渡されるJarを通じてのみ読み書きする。
type Actions struct {
	authSender    Sender
	productSender Sender
	verifier      SessionVerifier
	config        Config
	logger        *slog.Logger
}

// NewActions はActionsを生成する。
// authSenderは認証サービス、productSenderはリソースサービスへの呼び出しに使う。
// 一方の障害でもう一方のサーキットブレーカーが開かないよう、別々のクライアントを渡すこと。
func NewActions(authSender, productSender Sender, v SessionVerifier, config Config, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		authSender:    authSender,
		productSender: productSender,
		verifier:      v,
		config:        config,
		logger:        logger,
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// 成功時は上流のSet-CookieをJarへ反映し、"/"への遷移を返す。
func (a *Actions) SignIn(ctx context.Context, jar *cookie.Jar, form SignInForm) Result {
	fieldErrors := map[string]string{}
	if strings.TrimSpace(form.Email) == "" {
		fieldErrors["email"] = "Email is required"
	}
	if strings.TrimSpace(form.Password) == "" {
		fieldErrors["password"] = "Password is required"
	}
	if len(fieldErrors) > 0 {
		return Fail(msgRequiredFields, fieldErrors)
	}

	payload := map[string]string{
		"email":    strings.TrimSpace(form.Email),
		"password": form.Password,
	}
	resp, err := a.postJSON(ctx, a.config.AuthBaseURL+signInPath, jar, payload)
	if err != nil {
		a.logger.Warn("sign-in request failed", slog.String("error", err.Error()))
		return Fail(fmt.Sprintf("An unexpected error occurred: %s. Please check if the API server is running.", transportCause(err)), nil)
	}
	return a.completeAuth(jar, resp, "sign-in", "/")
}

// SignUp はユーザーを登録する。
// 成功時は上流のSet-CookieをJarへ反映し、"/dashboard"への遷移を返す。
func (a *Actions) SignUp(ctx context.Context, jar *cookie.Jar, form SignUpForm) Result {
	fieldErrors := map[string]string{}
	if strings.TrimSpace(form.Name) == "" {
		fieldErrors["name"] = "Name is required"
	}
	if strings.TrimSpace(form.Email) == "" {
		fieldErrors["email"] = "Email is required"
	}
	if strings.TrimSpace(form.Password) == "" {
		fieldErrors["password"] = "Password is required"
	}
	if len(fieldErrors) > 0 {
		return Fail(msgRequiredFields, fieldErrors)
	}

	payload := map[string]string{
		"name":     strings.TrimSpace(form.Name),
		"email":    strings.TrimSpace(form.Email),
		"password": form.Password,
	}
	resp, err := a.postJSON(ctx, a.config.AuthBaseURL+signUpPath, jar, payload)
	if err != nil {
		a.logger.Warn("sign-up request failed", slog.String("error", err.Error()))
		return Fail(msgSignUpUnexpected, nil)
	}
	return a.completeAuth(jar, resp, "sign-up", "/dashboard")
}

// completeAuth はサインイン/サインアップの応答を解釈する。
func (a *Actions) completeAuth(jar *cookie.Jar, resp *http.Response, action, redirectPath string) Result {
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		a.logger.Warn("failed to read auth response",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return Fail(msgInvalidResponse, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message, fieldErrors, err := parseAPIError(body)
		if err != nil {
			a.logger.Warn("invalid error response from auth service",
				slog.String("action", action),
				slog.Int("status", resp.StatusCode),
				slog.String("error", err.Error()),
			)
			return Fail(msgInvalidResponse, nil)
		}
		a.logger.Info("auth action rejected",
			slog.String("action", action),
			slog.Int("status", resp.StatusCode),
		)
		return Fail(message, fieldErrors)
	}

	if err := decodeAuthResponse(body); err != nil {
		a.logger.Warn("invalid auth response",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return Fail(msgInvalidResponse, nil)
	}

	applied := applySetCookies(jar, resp)
	a.logger.Info("auth action succeeded",
		slog.String("action", action),
		slog.Int("cookies_applied", applied),
	)
	return RedirectTo(redirectPath)
}

// SignOut はセッションを破棄する。
// 上流の結果にかかわらず、認証関連のCookieをJarから削除して"/"への遷移を返す。
func (a *Actions) SignOut(ctx context.Context, jar *cookie.Jar) Result {
	resp, err := a.postJSON(ctx, a.config.AuthBaseURL+signOutPath, jar, nil)
	if err != nil {
		a.logger.Warn("sign-out request failed", slog.String("error", err.Error()))
	} else {
		resp.Body.Close()
		a.logger.Info("sign-out completed", slog.Int("status", resp.StatusCode))
	}

	for _, p := range jar.All() {
		if a.isAuthCookie(p.Name) {
			jar.Delete(p.Name, a.config.CookieDomain)
		}
	}
	return RedirectTo("/")
}

func (a *Actions) isAuthCookie(name string) bool {
	if a.config.CookiePrefix != "" && strings.HasPrefix(name, a.config.CookiePrefix) {
		return true
	}
	return strings.Contains(name, "session") || strings.Contains(name, "token")
}

// CallProductAPI はJarのCookieを付けてリソースサービスの保護エンドポイントを呼び出す。
// 成功時は検証済みユーザーの {id, email, name} をデータとして返す。
func (a *Actions) CallProductAPI(ctx context.Context, jar *cookie.Jar) Result {
	cookieHeader := jar.Header()
	if cookieHeader == "" {
		return Fail(msgNoSession, nil)
	}

	header := a.baseHeader(ctx)
	header.Set("Cookie", cookieHeader)
	resp, err := a.productSender.Send(ctx, a.config.ProductAPIURL+productPath, httpretry.RequestSpec{
		Method: http.MethodGet,
		Header: header,
	})
	if err != nil {
		a.logger.Warn("product API request failed", slog.String("error", err.Error()))
		return Fail(fmt.Sprintf("Failed to connect to Product API: %s", transportCause(err)), nil)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		a.logger.Warn("failed to read product API response", slog.String("error", err.Error()))
		return Fail(msgInvalidResponse, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Info("product API rejected request", slog.Int("status", resp.StatusCode))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return Fail(firstNonEmpty(errorText(body), msgProductAuthFailed), nil)
		case http.StatusForbidden:
			return Fail(firstNonEmpty(errorText(body), msgProductForbidden), nil)
		case http.StatusInternalServerError:
			return Fail(firstNonEmpty(errorText(body), msgProductServerError), nil)
		}
		message, _, err := parseAPIError(body)
		if err != nil {
			return Fail(msgInvalidResponse, nil)
		}
		return Fail(message, nil)
	}

	if body == nil {
		return Fail(msgInvalidResponse, nil)
	}
	var res productResponse
	if err := json.Unmarshal(body, &res); err != nil {
		a.logger.Warn("invalid product API response", slog.String("error", err.Error()))
		return Fail(msgInvalidResponse, nil)
	}
	identity, err := res.User.identity()
	if err != nil {
		a.logger.Warn("invalid product API response", slog.String("error", err.Error()))
		return Fail(msgInvalidResponse, nil)
	}
	return OK(identity)
}

// ServerSession はJarのCookieでセッションを検証し、ログイン中のユーザーとセッションを返す。
// 未ログインまたは検証できなかった場合はnilを返す。
func (a *Actions) ServerSession(ctx context.Context, jar *cookie.Jar) (*model.Identity, *model.SessionInfo) {
	v := a.verifier.Verify(ctx, jar.Header())
	switch v.Outcome {
	case verifier.Authenticated:
		return v.Identity, v.Session
	case verifier.TransportError, verifier.ServiceError:
		attrs := []any{slog.String("outcome", v.Outcome.String())}
		if v.Err != nil {
			attrs = append(attrs, slog.String("error", v.Err.Error()))
		}
		a.logger.Warn("session lookup failed", attrs...)
	}
	return nil, nil
}

func (a *Actions) postJSON(ctx context.Context, url string, jar *cookie.Jar, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = b
	}

	header := a.baseHeader(ctx)
	header.Set("Content-Type", "application/json")
	header.Set("Origin", a.config.Origin)
	if c := jar.Header(); c != "" {
		header.Set("Cookie", c)
	}
	return a.authSender.Send(ctx, url, httpretry.RequestSpec{
		Method: http.MethodPost,
		Header: header,
		Body:   body,
	})
}

// baseHeader は上流へのリクエストに共通のヘッダーを返す。
// ブラウザのアドレスが分かっている場合はX-Forwarded-Forで中継し、
// 上流のIP単位のレート制限がフロントエンドのアドレスにまとまらないようにする。
func (a *Actions) baseHeader(ctx context.Context) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", UserAgent)
	if ip := ClientIPFromContext(ctx); ip != "" {
		h.Set("X-Forwarded-For", ip)
	}
	return h
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
