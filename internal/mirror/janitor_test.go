package mirror

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestJanitor_RunOnce_RejectsStaleItems(t *testing.T) {
	var submissionGrace, commentGrace time.Duration
	submissionRepo := &mockSubmissionRepo{
		rejectStaleFunc: func(ctx context.Context, grace time.Duration) (int64, error) {
			submissionGrace = grace
			return 3, nil
		},
	}
	commentRepo := &mockCommentRepo{
		rejectStaleFunc: func(ctx context.Context, grace time.Duration) (int64, error) {
			commentGrace = grace
			return 7, nil
		},
	}

	var buf bytes.Buffer
	j := NewJanitor(submissionRepo, commentRepo, newTestLogger(&buf))

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if submissionGrace != 30*time.Minute {
		t.Errorf("投稿の猶予時間 = %v, want 30m", submissionGrace)
	}
	if commentGrace != 12*time.Hour {
		t.Errorf("コメントの猶予時間 = %v, want 12h", commentGrace)
	}
	if !bytes.Contains(buf.Bytes(), []byte("棚卸しが完了しました")) {
		t.Error("棚卸し完了ログが出力されていない")
	}
}

func TestJanitor_RunOnce_NothingToReject(t *testing.T) {
	var buf bytes.Buffer
	j := NewJanitor(&mockSubmissionRepo{}, &mockCommentRepo{}, newTestLogger(&buf))

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	// 遷移0件のときはログを出さない
	if buf.Len() != 0 {
		t.Errorf("ログ出力 = %q, want empty", buf.String())
	}
}

func TestJanitor_RunOnce_SubmissionRepoError(t *testing.T) {
	submissionRepo := &mockSubmissionRepo{
		rejectStaleFunc: func(ctx context.Context, grace time.Duration) (int64, error) {
			return 0, errors.New("接続エラー")
		},
	}
	commentCalled := false
	commentRepo := &mockCommentRepo{
		rejectStaleFunc: func(ctx context.Context, grace time.Duration) (int64, error) {
			commentCalled = true
			return 0, nil
		},
	}

	var buf bytes.Buffer
	j := NewJanitor(submissionRepo, commentRepo, newTestLogger(&buf))

	if err := j.RunOnce(context.Background()); err == nil {
		t.Fatal("エラーを期待したがnilが返った")
	}
	if commentCalled {
		t.Error("投稿側の失敗後にコメント側が実行された")
	}
}

func TestJanitor_RunOnce_CustomGrace(t *testing.T) {
	var gotGrace time.Duration
	submissionRepo := &mockSubmissionRepo{
		rejectStaleFunc: func(ctx context.Context, grace time.Duration) (int64, error) {
			gotGrace = grace
			return 0, nil
		},
	}

	var buf bytes.Buffer
	j := NewJanitor(submissionRepo, &mockCommentRepo{}, newTestLogger(&buf))
	j.SubmissionGrace = time.Hour

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if gotGrace != time.Hour {
		t.Errorf("猶予時間 = %v, want 1h", gotGrace)
	}
}
