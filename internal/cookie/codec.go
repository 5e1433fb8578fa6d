// Package cookie はCookieヘッダーの解析・組み立てと、
// Set-Cookieディレクティブの解析を提供する。
// 認証サービスから受け取ったCookieをブラウザ向けレスポンスへ中継する際に使用する。
package cookie

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// pairSeparator はCookieヘッダーおよびSet-Cookie属性の区切り文字。
	pairSeparator = "; "
	// forcedPath は中継するCookieに強制するPath。
	// 認証サービスがサブパス（/api/auth等）を指定しても、フロントエンドの全ルートから参照できるようにする。
	forcedPath = "/"
)

// Pair はCookieヘッダー内の1組のname=valueを表す。
type Pair struct {
	Name  string
	Value string
}

// Directive はSet-Cookieヘッダー1行を解析した結果を表す。
// レスポンスヘッダー1行につき1回生成し、Jarへ1回適用したら破棄する。
type Directive struct {
	Name      string
	Value     string
	HTTPOnly  bool
	Secure    bool
	SameSite  http.SameSite
	MaxAge    int
	HasMaxAge bool
	Path      string
	Domain    string
}

// ParseHeader はCookieヘッダーをname=valueの順序付きリストに分解する。
// "; "で分割した後、各セグメントを最初の"="で分割する。
// "="を含まないセグメントや、名前がHTTPトークンとして不正なセグメントは読み飛ばす。
func ParseHeader(raw string) []Pair {
	if raw == "" {
		return nil
	}

	segments := strings.Split(raw, pairSeparator)
	pairs := make([]Pair, 0, len(segments))
	for _, seg := range segments {
		name, value, ok := strings.Cut(seg, "=")
		if !ok || !validName(name) {
			continue
		}
		pairs = append(pairs, Pair{Name: name, Value: value})
	}
	return pairs
}

// SerializeHeader はname=valueのリストをCookieヘッダー形式に組み立てる。
func SerializeHeader(pairs []Pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, pairSeparator)
}

// ParseSetCookie はSet-Cookieヘッダー1行をDirectiveに変換する。
// 名前または値が空の場合は無効なCookieとしてfalseを返す（Cookie削除の指示としては扱わない）。
// 認識する属性は httponly, secure, samesite, max-age, path, domain のみで、大文字小文字を区別しない。
// localhostを対象とするDomain属性は破棄し、Pathは常に"/"に上書きする。
func ParseSetCookie(line string) (Directive, bool) {
	segments := strings.Split(line, pairSeparator)

	name, value, _ := strings.Cut(segments[0], "=")
	name = strings.TrimSpace(name)
	if name == "" || value == "" || !validName(name) {
		return Directive{}, false
	}

	d := Directive{
		Name:  name,
		Value: value,
	}

	for _, attr := range segments[1:] {
		key, val, _ := strings.Cut(attr, "=")
		val = strings.TrimSpace(val)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "httponly":
			d.HTTPOnly = true
		case "secure":
			d.Secure = true
		case "samesite":
			d.SameSite = parseSameSite(val)
		case "max-age":
			if n, err := strconv.Atoi(val); err == nil {
				d.MaxAge = n
				d.HasMaxAge = true
			}
		case "path":
			// 後段で強制上書きする
		case "domain":
			if val != "" && !isLoopbackDomain(val) {
				d.Domain = val
			}
		}
	}

	d.Path = forcedPath
	return d, true
}

// Cookie はDirectiveをnet/httpのCookieに変換する。
// Max-Age=0以下は即時削除（http.Cookie.MaxAge < 0）として扱う。
func (d Directive) Cookie() *http.Cookie {
	c := &http.Cookie{
		Name:     d.Name,
		Value:    d.Value,
		Path:     d.Path,
		Domain:   d.Domain,
		HttpOnly: d.HTTPOnly,
		Secure:   d.Secure,
		SameSite: d.SameSite,
	}
	if d.HasMaxAge {
		if d.MaxAge <= 0 {
			c.MaxAge = -1
		} else {
			c.MaxAge = d.MaxAge
		}
	}
	return c
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

// isLoopbackDomain はDomain属性がlocalhostまたはループバックアドレスを指すかを判定する。
func isLoopbackDomain(domain string) bool {
	host := strings.ToLower(strings.TrimPrefix(domain, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func validName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}
