package app

import (
	"bytes"
	"strings"
	"testing"
)

// TestRun_MigrateCommand_FailsWithoutDB はmigrateコマンドがDB接続を試みることを検証する。
// テスト環境ではDBが存在しないため、エラーが返ることを期待する。
func TestRun_MigrateCommand_FailsWithoutDB(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Skip("DB is available in test environment")
	}
	if !strings.Contains(err.Error(), "migration failed") {
		t.Errorf("error = %v, want migration failure", err)
	}
}

// TestRun_MirrorCommand_FailsWithoutDB はミラーワーカーがDB接続を試みることを検証する。
func TestRun_MirrorCommand_FailsWithoutDB(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"mirror-all"})
	if err == nil {
		t.Skip("DB is available in test environment")
	}
}

// TestRun_HealthcheckCommand_FailsWithoutServer はhealthcheckがサーバー不在で失敗することを検証する。
func TestRun_HealthcheckCommand_FailsWithoutServer(t *testing.T) {
	t.Setenv("SERVER_PORT", "1") // 接続先のないポート

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck"})
	if err == nil {
		t.Fatal("expected error without a running server")
	}
	if !strings.Contains(err.Error(), "health check") {
		t.Errorf("error = %v", err)
	}
}

// TestRun_InitFailurePropagates は必須環境変数不足でRunがエラーを返すことを検証する。
func TestRun_InitFailurePropagates(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDDIT_CLIENT_ID", "")
	t.Setenv("REDDIT_CLIENT_SECRET", "")
	t.Setenv("PORTAL_URL", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("expected initialization error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("error = %v", err)
	}
}
