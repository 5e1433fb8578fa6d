package cookie

import (
	"net/http"
	"strings"
)

// Jar は1リクエストのライフサイクルに閉じたCookieストア。
// 受信リクエストのCookieで初期化し、サーバーアクションが読み書きした変更は
// レスポンス確定時にCommitで1回だけSet-Cookieとして書き出す。
// プロセス全体で共有してはならず、ゴルーチン間で共有しない前提のためロックを持たない。
type Jar struct {
	entries   []Pair
	pending   []*http.Cookie
	committed bool
}

// NewJar は受信リクエストのCookieヘッダーからJarを生成する。
func NewJar(r *http.Request) *Jar {
	return NewJarFromHeader(strings.Join(r.Header.Values("Cookie"), pairSeparator))
}

// NewJarFromHeader はCookieヘッダー文字列からJarを生成する。
func NewJarFromHeader(raw string) *Jar {
	return &Jar{entries: ParseHeader(raw)}
}

// Get は指定名のCookie値を返す。
func (j *Jar) Get(name string) (string, bool) {
	for _, p := range j.entries {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// All は現在のCookie一覧のコピーを返す。
func (j *Jar) All() []Pair {
	out := make([]Pair, len(j.entries))
	copy(out, j.entries)
	return out
}

// Header は上流サービスへ転送するためのCookieヘッダーを組み立てる。
func (j *Jar) Header() string {
	return SerializeHeader(j.entries)
}

// Set はCookieを設定し、レスポンスで書き出す変更として記録する。
// MaxAgeが負の場合は現在の一覧から削除する。
// 同じ名前とDomainの変更は後から設定したものが優先される。
func (j *Jar) Set(c *http.Cookie) {
	j.remove(c.Name)
	if c.MaxAge >= 0 {
		j.entries = append(j.entries, Pair{Name: c.Name, Value: c.Value})
	}

	for i, p := range j.pending {
		if p.Name == c.Name && strings.EqualFold(p.Domain, c.Domain) {
			j.pending[i] = c
			return
		}
	}
	j.pending = append(j.pending, c)
}

// Apply はSet-Cookieディレクティブを適用する。
func (j *Jar) Apply(d Directive) {
	j.Set(d.Cookie())
}

// Delete は指定名のCookieを削除する。
// ホスト限定のCookieに加え、domainが指定されていればそのDomain属性付きのCookieも削除する。
// ループバック宛てのdomainはParseSetCookieと同様に無視する。
func (j *Jar) Delete(name, domain string) {
	j.Set(expiredCookie(name, ""))
	if domain != "" && !isLoopbackDomain(domain) {
		j.Set(expiredCookie(name, domain))
	}
}

func expiredCookie(name, domain string) *http.Cookie {
	return &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   forcedPath,
		Domain: domain,
		MaxAge: -1,
	}
}

// Commit は記録された変更をSet-Cookieヘッダーとして書き出す。
// WriteHeaderより前に呼び出す必要がある。2回目以降の呼び出しは何もしない。
func (j *Jar) Commit(w http.ResponseWriter) {
	if j.committed {
		return
	}
	j.committed = true
	for _, c := range j.pending {
		http.SetCookie(w, c)
	}
}

func (j *Jar) remove(name string) {
	kept := j.entries[:0]
	for _, p := range j.entries {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	j.entries = kept
}
