package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/hitoshi/authrelay/internal/cookie"
	"github.com/hitoshi/authrelay/internal/frontend"
	"github.com/hitoshi/authrelay/internal/model"
)

// ServerActions はフロントエンドハンドラーが必要とするサーバーアクション。
type ServerActions interface {
	SignIn(ctx context.Context, jar *cookie.Jar, form frontend.SignInForm) frontend.Result
	SignUp(ctx context.Context, jar *cookie.Jar, form frontend.SignUpForm) frontend.Result
	SignOut(ctx context.Context, jar *cookie.Jar) frontend.Result
	CallProductAPI(ctx context.Context, jar *cookie.Jar) frontend.Result
	ServerSession(ctx context.Context, jar *cookie.Jar) (*model.Identity, *model.SessionInfo)
}

// FrontendHandler はフロントエンドサーバーのHTTPハンドラー。
// リクエストごとにJarを生成し、レスポンス確定時に1回だけCommitする。
type FrontendHandler struct {
	actions ServerActions
}

// NewFrontendHandler はFrontendHandlerを生成する。
func NewFrontendHandler(actions ServerActions) *FrontendHandler {
	return &FrontendHandler{actions: actions}
}

// SignIn はサインインフォームを処理する。
// POST /actions/signin
func (h *FrontendHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	if !parseForm(w, r, jar) {
		return
	}
	res := h.actions.SignIn(actionContext(r), jar, frontend.SignInForm{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	})
	writeResult(w, jar, res)
}

// SignUp はサインアップフォームを処理する。
// POST /actions/signup
func (h *FrontendHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	if !parseForm(w, r, jar) {
		return
	}
	res := h.actions.SignUp(actionContext(r), jar, frontend.SignUpForm{
		Name:     r.PostFormValue("name"),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	})
	writeResult(w, jar, res)
}

// SignOut はサインアウトを処理する。
// POST /actions/signout
func (h *FrontendHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	writeResult(w, jar, h.actions.SignOut(actionContext(r), jar))
}

// CallProductAPI はリソースサービスの保護エンドポイントを呼び出す。
// POST /actions/product-api
func (h *FrontendHandler) CallProductAPI(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	writeResult(w, jar, h.actions.CallProductAPI(actionContext(r), jar))
}

// Session はログイン中のユーザーとセッションを返す。未ログインの場合は両方null。
// GET /api/session
func (h *FrontendHandler) Session(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	identity, session := h.actions.ServerSession(actionContext(r), jar)
	jar.Commit(w)
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, User: identity})
}

// Dashboard はログイン中のユーザー情報を返す保護ページ。
// 未ログインの場合は /signin へ303で遷移させる。
// GET /dashboard
func (h *FrontendHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	jar := cookie.NewJar(r)
	identity, session := h.actions.ServerSession(actionContext(r), jar)
	jar.Commit(w)
	if identity == nil {
		http.Redirect(w, r, "/signin", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, User: identity})
}

// actionContext はブラウザのIPアドレスを載せたコンテキストを返す。
// フロントエンドはインターネットに直接面しているため、RemoteAddrをそのまま使う。
func actionContext(r *http.Request) context.Context {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return frontend.WithClientIP(r.Context(), host)
}

func parseForm(w http.ResponseWriter, r *http.Request, jar *cookie.Jar) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		slog.Warn("failed to parse form", slog.String("error", err.Error()))
		writeResult(w, jar, frontend.Fail("Invalid form submission", nil))
		return false
	}
	return true
}

// writeResult はJarの変更をSet-Cookieとして書き出してから結果を返す。
// サーバーアクションの結果は成否にかかわらず200で返し、成否はsuccessで表す。
func writeResult(w http.ResponseWriter, jar *cookie.Jar, res frontend.Result) {
	jar.Commit(w)
	writeJSON(w, http.StatusOK, res)
}
