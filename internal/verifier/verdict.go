package verifier

import "github.com/hitoshi/authrelay/internal/model"

// Outcome はセッション検証の結果種別。
type Outcome int

const (
	// Unauthenticated は有効なセッションが存在しないことを表す。運用上のエラーではない。
	Unauthenticated Outcome = iota
	// Authenticated はユーザーとセッションの両方が確認できたことを表す。
	Authenticated
	// TransportError は認証サービスへ到達できなかったことを表す。
	TransportError
	// ServiceError は認証サービスが非2xxを返したか、応答が不正だったことを表す。
	ServiceError
)

// String はメトリクスラベルやログに使う名前を返す。
func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case TransportError:
		return "transport_error"
	case ServiceError:
		return "service_error"
	default:
		return "unknown"
	}
}

// Verdict はセッション検証の結果。
// Authenticatedの場合に限りIdentityとSessionの両方が非nilとなる。
// 部分的に認証された状態は存在しない。
type Verdict struct {
	Outcome    Outcome
	Identity   *model.Identity
	Session    *model.SessionInfo
	StatusCode int   // ServiceErrorの場合の上流ステータス
	Err        error // TransportError/ServiceErrorの原因
}

// IsAuthenticated は検証に成功したかを返す。
func (v Verdict) IsAuthenticated() bool {
	return v.Outcome == Authenticated
}

func authenticated(identity model.Identity, session model.SessionInfo) Verdict {
	return Verdict{Outcome: Authenticated, Identity: &identity, Session: &session}
}

func unauthenticated() Verdict {
	return Verdict{Outcome: Unauthenticated}
}

func transportError(err error) Verdict {
	return Verdict{Outcome: TransportError, Err: err}
}

func serviceError(status int, err error) Verdict {
	return Verdict{Outcome: ServiceError, StatusCode: status, Err: err}
}
