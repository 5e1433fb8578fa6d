package frontend

// Kind はサーバーアクションの結果の種別。
type Kind int

const (
	// KindOK は処理に成功し、呼び出し元へデータを返すことを表す。
	KindOK Kind = iota
	// KindRedirect は処理に成功し、指定パスへ遷移することを表す。
	KindRedirect
	// KindError は処理に失敗したことを表す。
	KindError
)

// Result はサーバーアクションの結果。
// 成功時のリダイレクトを制御フローではなく値として返す。
// JSONとしては {success, redirect?, error?, fieldErrors?, data?} の形でクライアントへ返す。
type Result struct {
	Kind        Kind              `json:"-"`
	Success     bool              `json:"success"`
	Redirect    string            `json:"redirect,omitempty"`
	Error       string            `json:"error,omitempty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
	Data        any               `json:"data,omitempty"`
}

// OK は成功結果を生成する。dataはnilでもよい。
func OK(data any) Result {
	return Result{Kind: KindOK, Success: true, Data: data}
}

// RedirectTo は指定パスへの遷移を表す成功結果を生成する。
func RedirectTo(path string) Result {
	return Result{Kind: KindRedirect, Success: true, Redirect: path}
}

// Fail は失敗結果を生成する。fieldErrorsが空の場合は省略される。
func Fail(message string, fieldErrors map[string]string) Result {
	if len(fieldErrors) == 0 {
		fieldErrors = nil
	}
	return Result{Kind: KindError, Error: message, FieldErrors: fieldErrors}
}
