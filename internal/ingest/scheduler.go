// Package ingest はソースネットワークからの取り込みスケジューラを提供する。
// コミュニティ単位の新着投稿の取り込みと、選択範囲をまたぐ新着コメント
// ストリームの取り込みの2つのループを持つ。取り込まれたアイテムの
// 唯一の書き込み元であり、ミラーリングとは独立して動作する。
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fedimirror/internal/metrics"
	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/reddit"
	"github.com/hitoshi/fedimirror/internal/repository"
)

const (
	// defaultPollInterval はコミュニティの同期間隔のデフォルト。
	defaultPollInterval = 3 * time.Minute
	// defaultBatchSize は1サイクルで同期するコミュニティ数の上限。
	defaultBatchSize = 10
	// defaultIterationPause はコミュニティ間の待機時間。
	// ソースAPIへの連続呼び出しを均す。
	defaultIterationPause = time.Second
)

// SourceClient はソースネットワークの読み取り操作のインターフェース。
type SourceClient interface {
	ListNew(ctx context.Context, community, before string) ([]*model.SourceSubmission, error)
	FetchSubmission(ctx context.Context, id string) (*reddit.SubmissionTree, error)
	FetchComment(ctx context.Context, id string) (*model.SourceComment, error)
	ListRecentComments(ctx context.Context, communities []string) ([]*model.SourceComment, error)
	FetchCommunityMetadata(ctx context.Context, name string) (json.RawMessage, error)
}

// AccountLinker は新規に観測されたソースアカウントに対して
// 連合先のミラーボットを作成する。
type AccountLinker interface {
	LinkAccount(ctx context.Context, username string) error
}

// Scheduler は取り込みスケジューラ。
type Scheduler struct {
	source         SourceClient
	communityRepo  repository.CommunityRepository
	submissionRepo repository.SubmissionRepository
	commentRepo    repository.CommentRepository
	accountRepo    repository.AccountRepository
	linker         AccountLinker // nilの場合はアカウントリンクを行わない
	metrics        metrics.MetricsCollector
	logger         *slog.Logger

	PollInterval   time.Duration
	BatchSize      int
	IterationPause time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	source SourceClient,
	communityRepo repository.CommunityRepository,
	submissionRepo repository.SubmissionRepository,
	commentRepo repository.CommentRepository,
	accountRepo repository.AccountRepository,
	linker AccountLinker,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		source:         source,
		communityRepo:  communityRepo,
		submissionRepo: submissionRepo,
		commentRepo:    commentRepo,
		accountRepo:    accountRepo,
		linker:         linker,
		metrics:        collector,
		logger:         logger,
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		IterationPause: defaultIterationPause,
	}
}

// StartSubmissions は投稿取り込みループをティッカー起動する。
func (s *Scheduler) StartSubmissions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("投稿取り込みループを開始しました",
		slog.Duration("interval", interval),
	)

	if err := s.RunSubmissionsOnce(ctx); err != nil {
		s.logger.Error("投稿取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("投稿取り込みループを停止しました")
			return
		case <-ticker.C:
			if err := s.RunSubmissionsOnce(ctx); err != nil {
				s.logger.Error("投稿取り込みサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// StartComments はコメント取り込みループをティッカー起動する。
func (s *Scheduler) StartComments(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("コメント取り込みループを開始しました",
		slog.Duration("interval", interval),
	)

	if err := s.RunCommentsOnce(ctx); err != nil {
		s.logger.Error("コメント取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("コメント取り込みループを停止しました")
			return
		case <-ticker.C:
			if err := s.RunCommentsOnce(ctx); err != nil {
				s.logger.Error("コメント取り込みサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunSubmissionsOnce は同期期限を過ぎたコミュニティを古い順に取り込む。
// 1コミュニティの失敗はログして次へ進む。ソースAPIの終端エラー
// （not-found/forbidden）を受けたコミュニティは隠す。
func (s *Scheduler) RunSubmissionsOnce(ctx context.Context) error {
	communities, err := s.communityRepo.ListDueForSync(ctx, s.PollInterval, s.BatchSize)
	if err != nil {
		return fmt.Errorf("同期対象コミュニティの取得に失敗しました: %w", err)
	}

	for i, community := range communities {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.IterationPause):
			}
		}

		if err := s.syncCommunity(ctx, community); err != nil {
			var srcErr *model.SourceError
			if errors.As(err, &srcErr) && srcErr.Terminal() {
				s.logger.Warn("ソースAPIの終端エラーを受けたためコミュニティを隠します",
					slog.String("community", community.Name),
					slog.String("kind", string(srcErr.Kind)),
				)
				if hideErr := s.communityRepo.SetHidden(ctx, community.Name, true); hideErr != nil {
					s.logger.Error("コミュニティの隠しフラグ設定に失敗しました",
						slog.String("community", community.Name),
						slog.String("error", hideErr.Error()),
					)
				}
				continue
			}
			s.logger.Error("コミュニティの取り込みに失敗しました",
				slog.String("community", community.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// syncCommunity は1コミュニティの新着投稿とコメントツリーを取り込む。
func (s *Scheduler) syncCommunity(ctx context.Context, community *model.SourceCommunity) error {
	start := time.Now()
	name := community.Name

	// メタデータのスナップショットを更新する。失敗しても取り込みは続行する。
	if raw, err := s.source.FetchCommunityMetadata(ctx, name); err != nil {
		var srcErr *model.SourceError
		if errors.As(err, &srcErr) && srcErr.Terminal() {
			return err
		}
		s.logger.Warn("コミュニティメタデータの取得に失敗しました",
			slog.String("community", name),
			slog.String("error", err.Error()),
		)
	} else {
		community.Metadata = raw
		if err := s.communityRepo.Upsert(ctx, community); err != nil {
			s.logger.Error("コミュニティメタデータの保存に失敗しました",
				slog.String("community", name),
				slog.String("error", err.Error()),
			)
		}
	}

	latest, err := s.submissionRepo.LatestPostedAt(ctx, name)
	if err != nil {
		return fmt.Errorf("最新投稿時刻の取得に失敗しました: %w", err)
	}

	listStart := time.Now()
	submissions, err := s.source.ListNew(ctx, name, "")
	s.metrics.RecordSourceCallLatency("list_new", time.Since(listStart))
	if err != nil {
		return err
	}

	ingestedSubmissions := 0
	ingestedComments := 0
	for _, submission := range submissions {
		// 保存済みの最新投稿より古いものは取り込み済み
		if !submission.PostedAt.After(latest) {
			continue
		}

		tree, err := s.source.FetchSubmission(ctx, submission.ID)
		if err != nil {
			var srcErr *model.SourceError
			if errors.As(err, &srcErr) && srcErr.Terminal() {
				s.logger.Warn("投稿の取得が終端エラーになったためスキップします",
					slog.String("submission_id", submission.ID),
					slog.String("kind", string(srcErr.Kind)),
				)
				continue
			}
			return err
		}

		comments, err := s.storeTree(ctx, tree)
		if err != nil {
			return err
		}
		ingestedSubmissions++
		ingestedComments += comments
	}

	if err := s.communityRepo.UpdateLastSynced(ctx, name, time.Now()); err != nil {
		return fmt.Errorf("last_synced_atの更新に失敗しました: %w", err)
	}

	s.metrics.RecordSubmissionsIngested(ingestedSubmissions)
	s.metrics.RecordCommentsIngested(ingestedComments)
	if ingestedSubmissions > 0 || ingestedComments > 0 {
		s.logger.Info("コミュニティの取り込みが完了しました",
			slog.String("community", name),
			slog.Int("submissions", ingestedSubmissions),
			slog.Int("comments", ingestedComments),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return nil
}

// storeTree は投稿とコメントツリーを保存する。コメントは親が先の順序で
// 並んでいる前提。戻り値は保存したコメント数。
func (s *Scheduler) storeTree(ctx context.Context, tree *reddit.SubmissionTree) (int, error) {
	s.observeAuthor(ctx, tree.Submission.Author)
	if err := s.submissionRepo.Upsert(ctx, tree.Submission); err != nil {
		return 0, fmt.Errorf("投稿のUPSERTに失敗しました: %w", err)
	}

	stored := 0
	for _, comment := range tree.Comments {
		s.observeAuthor(ctx, comment.Author)
		if err := s.commentRepo.Upsert(ctx, comment); err != nil {
			return stored, fmt.Errorf("コメントのUPSERTに失敗しました: %w", err)
		}
		stored++
	}

	return stored, nil
}

// RunCommentsOnce はマッピング済み全コミュニティの新着コメントストリームを
// 取り込む。未保存の投稿に属するコメントは投稿ごと取り込み、保存済みの
// 投稿に属するコメントは祖先を遡って親先行の順序で保存する。
func (s *Scheduler) RunCommentsOnce(ctx context.Context) error {
	names, err := s.communityRepo.ListMapped(ctx)
	if err != nil {
		return fmt.Errorf("マッピング済みコミュニティの取得に失敗しました: %w", err)
	}
	if len(names) == 0 {
		return nil
	}

	listStart := time.Now()
	comments, err := s.source.ListRecentComments(ctx, names)
	s.metrics.RecordSourceCallLatency("list_recent_comments", time.Since(listStart))
	if err != nil {
		return err
	}

	ingested := 0
	for _, comment := range comments {
		stored, err := s.ingestComment(ctx, comment)
		if err != nil {
			s.logger.Error("コメントの取り込みに失敗しました",
				slog.String("comment_id", comment.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ingested += stored
	}

	s.metrics.RecordCommentsIngested(ingested)
	if ingested > 0 {
		s.logger.Info("新着コメントストリームの取り込みが完了しました",
			slog.Int("comments", ingested),
		)
	}

	return nil
}

// ingestComment は新着ストリームの1コメントを保存する。戻り値は保存件数。
func (s *Scheduler) ingestComment(ctx context.Context, comment *model.SourceComment) (int, error) {
	existing, err := s.commentRepo.FindByID(ctx, comment.ID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, nil
	}

	submission, err := s.submissionRepo.FindByID(ctx, comment.SubmissionID)
	if err != nil {
		return 0, err
	}
	if submission == nil {
		// 投稿が未保存。投稿の取得がリプライを一括で取り込むため、
		// このコメント自体の個別保存は行わない。
		tree, err := s.source.FetchSubmission(ctx, comment.SubmissionID)
		if err != nil {
			return 0, err
		}
		stored, err := s.storeTree(ctx, tree)
		if err != nil {
			return stored, err
		}
		return stored + 1, nil
	}

	// 祖先を遡り、既知の親（または根）に到達するまでの未保存分を集める
	ancestors, err := s.collectAncestors(ctx, comment)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, ancestor := range ancestors {
		s.observeAuthor(ctx, ancestor.Author)
		if err := s.commentRepo.Upsert(ctx, ancestor); err != nil {
			return stored, fmt.Errorf("祖先コメントのUPSERTに失敗しました: %w", err)
		}
		stored++
	}

	s.observeAuthor(ctx, comment.Author)
	if err := s.commentRepo.Upsert(ctx, comment); err != nil {
		return stored, fmt.Errorf("コメントのUPSERTに失敗しました: %w", err)
	}
	return stored + 1, nil
}

// collectAncestors はコメントの未保存の祖先を、根に近い順で返す。
// 親チェーンの長さに比例した回数のfetch_comment呼び出しで済む。
func (s *Scheduler) collectAncestors(ctx context.Context, comment *model.SourceComment) ([]*model.SourceComment, error) {
	var chain []*model.SourceComment

	parentID := comment.ParentID
	for parentID != "" {
		existing, err := s.commentRepo.FindByID(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			break
		}

		parent, err := s.source.FetchComment(ctx, parentID)
		if err != nil {
			return nil, err
		}

		chain = append([]*model.SourceComment{parent}, chain...)
		parentID = parent.ParentID
	}

	return chain, nil
}

// observeAuthor は投稿・コメントの著者を記録する。既知のアカウントには
// 触れない（運用側が付けたマークを上書きしない）。新規作成時は
// アカウントリンカーをベストエフォートで起動する。
func (s *Scheduler) observeAuthor(ctx context.Context, username string) {
	if username == "" || username == "[deleted]" {
		return
	}

	existing, err := s.accountRepo.FindByUsername(ctx, username)
	if err != nil {
		s.logger.Error("ソースアカウントの確認に失敗しました",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return
	}
	if existing != nil {
		return
	}

	created, err := s.accountRepo.Upsert(ctx, &model.SourceAccount{Username: username})
	if err != nil {
		s.logger.Error("ソースアカウントの記録に失敗しました",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return
	}

	if created && s.linker != nil {
		if err := s.linker.LinkAccount(ctx, username); err != nil {
			s.logger.Warn("アカウントリンクに失敗しました",
				slog.String("username", username),
				slog.String("error", err.Error()),
			)
		}
	}
}
