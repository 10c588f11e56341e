package user

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/glassware/internal/model"
)

// --- モック ---

type mockCredentialStore struct {
	loadFn   func(ctx context.Context, userID string) (*model.Credential, error)
	deleteFn func(ctx context.Context, userID string) error
}

func (m *mockCredentialStore) Load(ctx context.Context, userID string) (*model.Credential, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockCredentialStore) Delete(ctx context.Context, userID string) error {
	return m.deleteFn(ctx, userID)
}

type mockSessionRepo struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	return m.deleteByUserIDFn(ctx, userID)
}

// --- テスト ---

func TestService_Revoke(t *testing.T) {
	var order []string
	creds := &mockCredentialStore{
		loadFn: func(_ context.Context, userID string) (*model.Credential, error) {
			return &model.Credential{UserID: userID, AccessToken: "a"}, nil
		},
		deleteFn: func(_ context.Context, userID string) error {
			order = append(order, "credential:"+userID)
			return nil
		},
	}
	sessions := &mockSessionRepo{
		deleteByUserIDFn: func(_ context.Context, userID string) error {
			order = append(order, "sessions:"+userID)
			return nil
		},
	}

	svc := NewService(creds, sessions)
	if err := svc.Revoke(context.Background(), "user-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if len(order) != 2 || order[0] != "sessions:user-1" || order[1] != "credential:user-1" {
		t.Errorf("delete order = %v, want sessions then credential", order)
	}
}

func TestService_Revoke_CredentialNotFound(t *testing.T) {
	creds := &mockCredentialStore{
		deleteFn: func(_ context.Context, _ string) error {
			t.Error("Delete must not be called")
			return nil
		},
	}
	sessions := &mockSessionRepo{
		deleteByUserIDFn: func(_ context.Context, _ string) error {
			t.Error("DeleteByUserID must not be called")
			return nil
		},
	}

	err := NewService(creds, sessions).Revoke(context.Background(), "ghost")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != model.ErrCodeCredentialNotFound {
		t.Errorf("code = %q, want %q", apiErr.Code, model.ErrCodeCredentialNotFound)
	}
}

func TestService_Revoke_SessionDeleteError(t *testing.T) {
	credentialDeleted := false
	creds := &mockCredentialStore{
		loadFn: func(_ context.Context, userID string) (*model.Credential, error) {
			return &model.Credential{UserID: userID}, nil
		},
		deleteFn: func(_ context.Context, _ string) error {
			credentialDeleted = true
			return nil
		},
	}
	sessions := &mockSessionRepo{
		deleteByUserIDFn: func(_ context.Context, _ string) error {
			return errors.New("db error")
		},
	}

	if err := NewService(creds, sessions).Revoke(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error")
	}
	if credentialDeleted {
		t.Error("credential must be kept when session deletion fails")
	}
}

func TestService_Revoke_WithoutSessionStore(t *testing.T) {
	deleted := ""
	creds := &mockCredentialStore{
		loadFn: func(_ context.Context, userID string) (*model.Credential, error) {
			return &model.Credential{UserID: userID, RefreshToken: "r"}, nil
		},
		deleteFn: func(_ context.Context, userID string) error {
			deleted = userID
			return nil
		},
	}

	if err := NewService(creds, nil).Revoke(context.Background(), "user-2"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if deleted != "user-2" {
		t.Errorf("deleted = %q, want %q", deleted, "user-2")
	}
}

func TestService_Revoke_LoadError(t *testing.T) {
	loadErr := errors.New("connection reset")
	creds := &mockCredentialStore{
		loadFn: func(_ context.Context, _ string) (*model.Credential, error) {
			return nil, loadErr
		},
		deleteFn: func(_ context.Context, _ string) error {
			t.Error("Delete must not be called")
			return nil
		},
	}

	err := NewService(creds, nil).Revoke(context.Background(), "user-1")
	if !errors.Is(err, loadErr) {
		t.Errorf("err = %v, want wrapping %v", err, loadErr)
	}
}
