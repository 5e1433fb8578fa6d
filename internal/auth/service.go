// Package auth はメールアドレスとパスワードによるサインアップ/サインイン、
// セッションの発行・検証・破棄を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authrelay/internal/model"
	"github.com/hitoshi/authrelay/internal/repository"
)

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrUserExists はメールアドレスが登録済みであることを表す。
	ErrUserExists = errors.New("user already exists")
)

// DefaultMinPasswordLength はパスワードの最小文字数。
const DefaultMinPasswordLength = 8

// PasswordHasher はパスワードのハッシュ化と検証のインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

// NameSanitizer は表示名のサニタイズのインターフェース。
type NameSanitizer interface {
	Sanitize(name string) string
}

// EventRecorder は認証イベントのメトリクス記録先。
type EventRecorder interface {
	RecordAuthEvent(event, result string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge     int // セッション有効期間（秒）
	MinPasswordLength int
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Name     string
	Email    string
	Password string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	hasher      PasswordHasher
	sanitizer   NameSanitizer
	metrics     EventRecorder
	config      ServiceConfig

	// 存在しないユーザーへのサインインでも同程度の計算時間をかけるためのダミーハッシュ
	dummyOnce sync.Once
	dummyHash string
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	hasher PasswordHasher,
	sanitizer NameSanitizer,
	metrics EventRecorder,
	config ServiceConfig,
) *Service {
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = DefaultMinPasswordLength
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		hasher:      hasher,
		sanitizer:   sanitizer,
		metrics:     metrics,
		config:      config,
	}
}

// SignUp はユーザーを登録し、セッションを発行する。
// 入力が不正な場合は*model.APIErrorを、メールアドレスが登録済みの場合はErrUserExistsを返す。
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*model.User, *model.Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		s.record("sign_up", "invalid")
		return nil, nil, err
	}
	name := s.sanitizer.Sanitize(in.Name)
	if name == "" {
		s.record("sign_up", "invalid")
		return nil, nil, model.NewValidationError("name", "Name is required")
	}
	if len([]rune(in.Password)) < s.config.MinPasswordLength {
		s.record("sign_up", "invalid")
		return nil, nil, model.NewValidationError("password",
			fmt.Sprintf("Password must be at least %d characters", s.config.MinPasswordLength))
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.record("sign_up", "user_exists")
			return nil, nil, ErrUserExists
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.record("sign_up", "success")
	slog.Info("user signed up", slog.String("user_id", user.ID))
	return user, session, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
// 一致しない場合はユーザーの存在有無に関わらずErrInvalidCredentialsを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		s.record("sign_in", "invalid")
		return nil, nil, err
	}
	if password == "" {
		s.record("sign_in", "invalid")
		return nil, nil, model.NewValidationError("password", "Password is required")
	}

	user, err := s.userRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.burnVerify(password)
		s.record("sign_in", "failure")
		return nil, nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		s.record("sign_in", "failure")
		return nil, nil, ErrInvalidCredentials
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.record("sign_in", "success")
	slog.Info("user signed in", slog.String("user_id", user.ID))
	return user, session, nil
}

// SignOut はセッションを破棄する。トークンが空の場合は何もしない。
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.record("sign_out", "success")
	return nil
}

// GetSession はセッショントークンから有効なセッションとユーザーを取得する。
// セッションが存在しない、期限切れ、またはユーザーが削除済みの場合はnilを返す。
func (s *Service) GetSession(ctx context.Context, token string) (*model.User, *model.Session, error) {
	if token == "" {
		return nil, nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, nil
	}

	return user, session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        token,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// burnVerify は存在しないユーザーに対しても検証と同程度の時間を消費する。
func (s *Service) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("authrelay-dummy-password")
		if err == nil {
			s.dummyHash = h
		}
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(password, s.dummyHash)
	}
}

func (s *Service) record(event, result string) {
	if s.metrics != nil {
		s.metrics.RecordAuthEvent(event, result)
	}
}

// normalizeEmail はメールアドレスを検証し、小文字に正規化する。
func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", model.NewValidationError("email", "Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError("email", "Invalid email address")
	}
	return email, nil
}

// generateSessionToken は暗号的に安全なセッショントークンを生成する。
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
