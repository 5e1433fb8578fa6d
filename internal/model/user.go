// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証サービスが管理するユーザーを表す。
// PasswordHashは認証サービスの外へ出してはならない。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity はユーザーの公開可能な識別情報を返す。
func (u *User) Identity() Identity {
	return Identity{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}
}

// Session はユーザーのログインセッションを表す。
// IDはCookieで運ばれる不透明なセッショントークンである。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Info はセッションの公開可能な情報を返す。
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Token:     s.ID,
		ExpiresAt: s.ExpiresAt,
	}
}

// Identity は検証済みの呼び出し元ユーザーを表す。
// アクセスゲートを通過したリクエストのコンテキストに注入される。
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SessionInfo はセッション検証エンドポイントが返すセッション情報。
type SessionInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
