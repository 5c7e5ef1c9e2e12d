package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fedimirror/internal/repository"
)

// Janitor はretrievedのまま滞留したアイテムの強制棚卸しを行う。
// 猶予時間を超えてもミラーリンクを持たない投稿・コメントをrejectedへ
// 一括遷移させ、retrievedバックログの無制限な成長を防ぐ。
// 冪等で、ミラーサイクルの一部としても単独バッチとしても実行できる。
type Janitor struct {
	submissionRepo repository.SubmissionRepository
	commentRepo    repository.CommentRepository
	logger         *slog.Logger

	SubmissionGrace time.Duration // 投稿の猶予時間（デフォルト: 30分）
	CommentGrace    time.Duration // コメントの猶予時間（デフォルト: 12時間）
}

// NewJanitor はJanitorの新しいインスタンスを生成する。
func NewJanitor(submissionRepo repository.SubmissionRepository, commentRepo repository.CommentRepository, logger *slog.Logger) *Janitor {
	return &Janitor{
		submissionRepo:  submissionRepo,
		commentRepo:     commentRepo,
		logger:          logger,
		SubmissionGrace: 30 * time.Minute,
		CommentGrace:    12 * time.Hour,
	}
}

// RunOnce は滞留アイテムの棚卸しを1回実行する。
func (j *Janitor) RunOnce(ctx context.Context) error {
	start := time.Now()

	rejectedSubmissions, err := j.submissionRepo.RejectStale(ctx, j.SubmissionGrace)
	if err != nil {
		return fmt.Errorf("滞留投稿の棚卸しに失敗しました: %w", err)
	}

	rejectedComments, err := j.commentRepo.RejectStale(ctx, j.CommentGrace)
	if err != nil {
		return fmt.Errorf("滞留コメントの棚卸しに失敗しました: %w", err)
	}

	if rejectedSubmissions > 0 || rejectedComments > 0 {
		j.logger.Info("滞留アイテムの棚卸しが完了しました",
			slog.Int64("rejected_submissions", rejectedSubmissions),
			slog.Int64("rejected_comments", rejectedComments),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return nil
}
