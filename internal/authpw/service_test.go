package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xkinput/keytao-next-sub000/internal/store"
)

type memoryUserStore struct {
	users  map[string]store.User
	byMail map[string]string
	resets map[string]passwordReset
}

type passwordReset struct {
	userID    string
	expiresAt time.Time
	used      bool
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		users:  make(map[string]store.User),
		byMail: make(map[string]string),
		resets: make(map[string]passwordReset),
	}
}

func (m *memoryUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if id, ok := m.byMail[email]; ok {
		return m.users[id], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *memoryUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *memoryUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	m.byMail[user.Email] = user.ID
	return nil
}

func (m *memoryUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	user, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	m.users[userID] = user
	return nil
}

func (m *memoryUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range m.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			m.users[id] = user
			return nil
		}
	}
	return errors.New("invalid token")
}

func (m *memoryUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memoryUserStore) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = passwordReset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memoryUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	reset, ok := m.resets[token]
	if !ok || reset.used || time.Now().After(reset.expiresAt) {
		return "", errors.New("invalid or expired token")
	}
	return reset.userID, nil
}

func (m *memoryUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	reset, ok := m.resets[token]
	if !ok {
		return errors.New("unknown token")
	}
	reset.used = true
	m.resets[token] = reset
	return nil
}

func signUpVerified(t *testing.T, svc *Service, email string) *SignUpResponse {
	t.Helper()
	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       email,
		Password:    "password123",
		DisplayName: "小明",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := svc.VerifyEmail(context.Background(), resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	return resp
}

func TestSignUpAssignsContributorRole(t *testing.T) {
	ms := newMemoryUserStore()
	svc := NewService(ms, "test-secret")

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ming@example.com",
		Password:    "password123",
		DisplayName: "小明",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if !strings.HasPrefix(resp.UserID, "usr_") {
		t.Errorf("expected usr_ id prefix, got %q", resp.UserID)
	}
	if !resp.RequiresEmailVerify {
		t.Error("expected RequiresEmailVerify")
	}
	user, _ := ms.GetUserByID(context.Background(), resp.UserID)
	if user.Role != "contributor" {
		t.Errorf("expected contributor role, got %q", user.Role)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	ctx := context.Background()

	cases := []struct {
		name string
		req  SignUpRequest
	}{
		{"missing fields", SignUpRequest{}},
		{"short password", SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"}},
		{"blank display name", SignUpRequest{Email: "a@b.c", Password: "password123", DisplayName: "   "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignUp(ctx, tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSignUpRejectsDuplicateEmailCaseInsensitive(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	signUpVerified(t, svc, "ming@example.com")

	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "  Ming@Example.COM ",
		Password:    "password123",
		DisplayName: "另一个小明",
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignInNormalizesEmail(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	signUpVerified(t, svc, "ming@example.com")

	resp, err := svc.SignIn(context.Background(), SignInRequest{
		Email:    " MING@example.com ",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if resp.RequiresVerify {
		t.Error("verified user should not require verification")
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	signUpVerified(t, svc, "ming@example.com")

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "ming@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "password123"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInUnverifiedRequiresVerify(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	if _, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ming@example.com",
		Password:    "password123",
		DisplayName: "小明",
	}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	resp, err := svc.SignIn(context.Background(), SignInRequest{Email: "ming@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if !resp.RequiresVerify {
		t.Error("expected RequiresVerify for unverified account")
	}
}

func TestVerifyEmailRejectsBadToken(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")

	if err := svc.VerifyEmail(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
	if err := svc.VerifyEmail(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPasswordResetRoundTrip(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")
	signUpVerified(t, svc, "ming@example.com")
	ctx := context.Background()

	token, err := svc.RequestPasswordReset(ctx, "ming@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token")
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "newpassword123"}); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ming@example.com", Password: "password123"}); err == nil {
		t.Error("old password should no longer work")
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ming@example.com", Password: "newpassword123"}); err != nil {
		t.Errorf("new password should work: %v", err)
	}

	// Token is single use.
	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "anotherpassword"}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken on reuse, got %v", err)
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")

	token, err := svc.RequestPasswordReset(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("expected silence for unknown email, got %v", err)
	}
	if token != "" {
		t.Error("expected empty token for unknown email")
	}
}

func TestResetPasswordValidation(t *testing.T) {
	svc := NewService(newMemoryUserStore(), "test-secret")

	if err := svc.ResetPassword(context.Background(), ResetPasswordRequest{}); err == nil {
		t.Error("expected error for missing fields")
	}
	if err := svc.ResetPassword(context.Background(), ResetPasswordRequest{Token: "t", NewPassword: "short"}); err == nil {
		t.Error("expected error for short password")
	}
}
