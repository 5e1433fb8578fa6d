package frontend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/hitoshi/authrelay/internal/cookie"
	"github.com/hitoshi/authrelay/internal/httpretry"
	"github.com/hitoshi/authrelay/internal/model"
)

// maxResponseBytes は上流応答として読み込む最大バイト数。
const maxResponseBytes = 1 << 20

const fallbackErrorMessage = "An error occurred"

// errInvalidResponse は上流応答が想定したスキーマに一致しないことを表す。
var errInvalidResponse = errors.New("invalid upstream response")

// authResponse はサインイン/サインアップ成功時の応答。
type authResponse struct {
	Token *string     `json:"token"`
	User  *userFields `json:"user"`
}

// productResponse はリソースサービスの保護エンドポイントの応答。
type productResponse struct {
	Message string      `json:"message"`
	User    *userFields `json:"user"`
}

type userFields struct {
	ID    *string `json:"id"`
	Email *string `json:"email"`
	Name  string  `json:"name"`
}

func (u *userFields) identity() (model.Identity, error) {
	if u == nil || u.ID == nil || *u.ID == "" || u.Email == nil || *u.Email == "" {
		return model.Identity{}, fmt.Errorf("user is missing id or email: %w", errInvalidResponse)
	}
	return model.Identity{ID: *u.ID, Email: *u.Email, Name: u.Name}, nil
}

// upstreamError は上流のエラー応答。
// errorはオブジェクト {code, message, field} と文字列の両方を受け付ける。
type upstreamError struct {
	Error   json.RawMessage `json:"error"`
	Message *string         `json:"message"`
}

type upstreamErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// readBody は応答ボディを読み込む。JSON以外のContent-Typeの場合はnilを返す。
func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if !isJSON(resp.Header) || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return body, nil
}

func isJSON(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// decodeAuthResponse はサインイン/サインアップ成功時の応答を検証する。
// ボディがない場合は検証をスキップする。
func decodeAuthResponse(body []byte) error {
	if body == nil {
		return nil
	}
	var res authResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", errors.Join(errInvalidResponse, err))
	}
	if res.Token == nil || *res.Token == "" {
		return fmt.Errorf("token is missing: %w", errInvalidResponse)
	}
	_, err := res.User.identity()
	return err
}

// parseAPIError はエラー応答からユーザー向けメッセージとフィールドエラーを取り出す。
// error.message、message、固定文言の順にメッセージを決定する。
func parseAPIError(body []byte) (string, map[string]string, error) {
	if body == nil {
		return fallbackErrorMessage, nil, nil
	}
	var res upstreamError
	if err := json.Unmarshal(body, &res); err != nil {
		return "", nil, fmt.Errorf("failed to decode error response: %w", errors.Join(errInvalidResponse, err))
	}

	var detail upstreamErrorDetail
	if len(res.Error) > 0 && res.Error[0] == '{' {
		if err := json.Unmarshal(res.Error, &detail); err != nil {
			return "", nil, fmt.Errorf("failed to decode error detail: %w", errors.Join(errInvalidResponse, err))
		}
	}

	message := detail.Message
	if message == "" && res.Message != nil {
		message = *res.Message
	}
	if message == "" {
		message = fallbackErrorMessage
	}

	var fieldErrors map[string]string
	if detail.Field != "" {
		fieldErrors = map[string]string{detail.Field: message}
	}
	return message, fieldErrors, nil
}

// errorText は {"error": "<reason>"} 形式の応答から理由文字列を取り出す。
func errorText(body []byte) string {
	if body == nil {
		return ""
	}
	var res upstreamError
	if err := json.Unmarshal(body, &res); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(res.Error, &s); err != nil {
		return ""
	}
	return s
}

// applySetCookies は上流応答のSet-Cookieをすべて解析してJarに反映する。
// 解析できない行は読み飛ばす。
func applySetCookies(jar *cookie.Jar, resp *http.Response) int {
	applied := 0
	for _, line := range resp.Header.Values("Set-Cookie") {
		d, ok := cookie.ParseSetCookie(line)
		if !ok {
			continue
		}
		jar.Apply(d)
		applied++
	}
	return applied
}

// transportCause は到達不能エラーからユーザーに見せる原因を取り出す。
func transportCause(err error) string {
	var te *httpretry.TransportError
	if errors.As(err, &te) && te.Cause != nil {
		return te.Cause.Error()
	}
	return err.Error()
}
