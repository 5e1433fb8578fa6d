package handler

import (
	"net/http"

	"github.com/hitoshi/authrelay/internal/middleware"
	"github.com/hitoshi/authrelay/internal/model"
)

// ProductHandler はリソースサービスの保護エンドポイントのHTTPハンドラー。
// アクセスゲートの内側に置き、ゲートが注入したユーザーを応答に含める。
type ProductHandler struct{}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler() *ProductHandler {
	return &ProductHandler{}
}

type productResponse struct {
	Message       string         `json:"message"`
	Authenticated bool           `json:"authenticated"`
	User          model.Identity `json:"user"`
}

// HelloWorld は認証済みユーザーへ挨拶を返す。
// GET /api/helloworld
func (h *ProductHandler) HelloWorld(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteReasonResponse(w, http.StatusUnauthorized, middleware.ReasonInvalidSession)
		return
	}

	writeJSON(w, http.StatusOK, productResponse{
		Message:       "Hello World!",
		Authenticated: true,
		User:          identity,
	})
}

// Process は認証済みユーザーの処理要求を受け付ける。
// POST /api/process
func (h *ProductHandler) Process(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteReasonResponse(w, http.StatusUnauthorized, middleware.ReasonInvalidSession)
		return
	}

	writeJSON(w, http.StatusOK, productResponse{
		Message:       "Processing complete",
		Authenticated: true,
		User:          model.Identity{ID: identity.ID, Email: identity.Email},
	})
}
