package repository

import (
	"testing"

	"github.com/hitoshi/fedimirror/internal/model"
)

// TestPostgresInstanceRepo_ImplementsInterface はPostgresInstanceRepoがInstanceRepositoryを実装することを検証する。
func TestPostgresInstanceRepo_ImplementsInterface(t *testing.T) {
	// コンパイル時チェック：PostgresInstanceRepoがInstanceRepositoryを満たすことを検証
	var _ InstanceRepository = (*PostgresInstanceRepo)(nil)
}

// TestPostgresCommunityRepo_ImplementsInterface はPostgresCommunityRepoがCommunityRepositoryを実装することを検証する。
func TestPostgresCommunityRepo_ImplementsInterface(t *testing.T) {
	// コンパイル時チェック：PostgresCommunityRepoがCommunityRepositoryを満たすことを検証
	var _ CommunityRepository = (*PostgresCommunityRepo)(nil)
}

// TestPostgresAccountRepo_ImplementsInterface はPostgresAccountRepoがAccountRepositoryを実装することを検証する。
func TestPostgresAccountRepo_ImplementsInterface(t *testing.T) {
	// コンパイル時チェック：PostgresAccountRepoがAccountRepositoryを満たすことを検証
	var _ AccountRepository = (*PostgresAccountRepo)(nil)
}

// NewPostgresInstanceRepoが正しく初期化されることを検証
func TestNewPostgresInstanceRepo_Initializes(t *testing.T) {
	repo := NewPostgresInstanceRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// TestInstanceStatusValues はインスタンス状態の定数値が正しいことを検証する。
func TestInstanceStatusValues(t *testing.T) {
	if model.InstanceStatusActive != "active" {
		t.Errorf("InstanceStatusActive = %q, want %q", model.InstanceStatusActive, "active")
	}
	if model.InstanceStatusClosed != "closed" {
		t.Errorf("InstanceStatusClosed = %q, want %q", model.InstanceStatusClosed, "closed")
	}
	if model.InstanceStatusGone != "gone" {
		t.Errorf("InstanceStatusGone = %q, want %q", model.InstanceStatusGone, "gone")
	}
}

// DestinationCommunityのFQDNがname@instance形式であることを検証
func TestPostgresInstanceRepo_CommunityModel_FQDN(t *testing.T) {
	community := &model.DestinationCommunity{
		InstanceDomain: "lemmy.example.org",
		Name:           "golang",
	}

	if got := community.FQDN(); got != "golang@lemmy.example.org" {
		t.Errorf("FQDN() = %q, want %q", got, "golang@lemmy.example.org")
	}
}
