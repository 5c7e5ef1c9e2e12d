package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fedimirror/internal/lemmy"
	"github.com/hitoshi/fedimirror/internal/metrics"
	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
	"github.com/hitoshi/fedimirror/internal/security"
)

// dailyCapWindow は日次投稿上限の集計ウィンドウ。
const dailyCapWindow = 24 * time.Hour

// EngineDeps はEngineの依存をまとめる。
type EngineDeps struct {
	SubmissionRepo repository.SubmissionRepository
	CommentRepo    repository.CommentRepository
	StrategyRepo   repository.StrategyRepository
	InstanceRepo   repository.InstanceRepository
	AccountRepo    repository.AccountRepository
	MirrorRepo     repository.MirrorRepository
	Dest           DestinationClient
	Builder        *PayloadBuilder
	Governor       *Governor
	Sanitizer      security.ContentSanitizerService
	Metrics        metrics.MetricsCollector
	Logger         *slog.Logger
}

// EngineConfig はEngineの動作パラメータ。
type EngineConfig struct {
	Creds             lemmy.Credentials // ミラー書き込みに使うサービスアクター
	MaxSubmissionAge  time.Duration
	MaxCommentAge     time.Duration
	CommentLookbehind time.Duration
	DiscloseOrigin    bool
}

// Engine はミラーエンジン本体。投稿ループとコメントループを持つ。
// 両ループはGovernorを介して1つの連合先バジェットを共有する。
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig

	mu           sync.Mutex
	communityIDs map[string]int64 // FQDN → 連合先コミュニティID

	now func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	return &Engine{
		deps:         deps,
		cfg:          cfg,
		communityIDs: make(map[string]int64),
		now:          time.Now,
	}
}

// StartSubmissions は投稿ミラーループをティッカー起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (e *Engine) StartSubmissions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.deps.Logger.Info("投稿ミラーループを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := e.RunSubmissionsOnce(ctx); err != nil {
		e.deps.Logger.Error("投稿ミラーサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			e.deps.Logger.Info("投稿ミラーループを停止しました")
			return
		case <-ticker.C:
			if err := e.RunSubmissionsOnce(ctx); err != nil {
				e.deps.Logger.Error("投稿ミラーサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// StartComments はコメントミラーループをティッカー起動する。
func (e *Engine) StartComments(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.deps.Logger.Info("コメントミラーループを開始しました",
		slog.Duration("interval", interval),
	)

	if err := e.RunCommentsOnce(ctx); err != nil {
		e.deps.Logger.Error("コメントミラーサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			e.deps.Logger.Info("コメントミラーループを停止しました")
			return
		case <-ticker.C:
			if err := e.RunCommentsOnce(ctx); err != nil {
				e.deps.Logger.Error("コメントミラーサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunSubmissionsOnce はミラー候補の投稿を1回分処理する。
// レート制限を観測したらサイクルを打ち切り、Governorにクールダウンを設定する。
func (e *Engine) RunSubmissionsOnce(ctx context.Context) error {
	if cooling, remaining := e.deps.Governor.CoolingDown(); cooling {
		e.deps.Logger.Info("クールダウン中のため投稿ミラーサイクルを見送ります",
			slog.Duration("remaining", remaining),
		)
		return nil
	}

	submissions, err := e.deps.SubmissionRepo.ListEligible(ctx, e.cfg.MaxSubmissionAge)
	if err != nil {
		return fmt.Errorf("ミラー候補の取得に失敗しました: %w", err)
	}

	for _, submission := range submissions {
		if err := e.mirrorSubmission(ctx, submission); err != nil {
			if errors.Is(err, model.ErrRateLimited) {
				e.deps.Governor.Trip()
				e.deps.Metrics.RecordRateLimitHit()
				e.deps.Logger.Warn("レート制限を観測したため投稿ミラーサイクルを停止します",
					slog.String("submission_id", submission.ID),
				)
				return nil
			}
			// アイテム単位の失敗はログして次へ（1件の不良で他を止めない）
			e.deps.Logger.Error("投稿のミラーに失敗しました",
				slog.String("submission_id", submission.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// mirrorSubmission は1件の投稿を、対応する全ミラー戦略へミラーする。
// レート制限のみエラーとして返し、それ以外はstatus更新で吸収する。
func (e *Engine) mirrorSubmission(ctx context.Context, submission *model.SourceSubmission) error {
	strategies, err := e.deps.StrategyRepo.ListBySourceCommunity(ctx, submission.Community)
	if err != nil {
		return fmt.Errorf("ミラー戦略の取得に失敗しました: %w", err)
	}

	// バリデーションは戦略に依存しないため先に1回だけ行う
	if err := ValidateSubmission(submission); err != nil {
		var rejection *model.RejectionError
		if errors.As(err, &rejection) {
			e.deps.Metrics.RecordRejection("submission")
			e.deps.Logger.Info("投稿をミラー対象から除外しました",
				slog.String("submission_id", submission.ID),
				slog.String("reason", rejection.Reason),
			)
			return e.deps.SubmissionRepo.UpdateStatus(ctx, submission.ID, model.StatusRejected)
		}
		return err
	}

	// mirroredは終端状態のため、1つの戦略が成功した後に別の戦略が失敗しても
	// statusを降格させない。成功をパス内で追跡して降格を抑止する。
	mirrored := false
	for _, strategy := range strategies {
		if !strategy.SubmissionPolicy.AcceptsSubmission(submission.IsSelf) {
			continue
		}

		community, err := e.deps.InstanceRepo.FindCommunity(ctx, strategy.DestCommunityID)
		if err != nil {
			return fmt.Errorf("連合先コミュニティの取得に失敗しました: %w", err)
		}
		if community == nil {
			continue
		}

		ok, err := e.mirrorSubmissionTo(ctx, submission, strategy, community, mirrored)
		if err != nil {
			return err
		}
		if ok {
			mirrored = true
		}
	}

	return nil
}

// mirrorSubmissionTo は1件の投稿を1つの連合先コミュニティへミラーする。
// ミラー行が記録された（または既に存在した）場合にtrueを返す。
func (e *Engine) mirrorSubmissionTo(ctx context.Context, submission *model.SourceSubmission, strategy *model.MirrorStrategy, community *model.DestinationCommunity, alreadyMirrored bool) (bool, error) {
	exists, err := e.deps.MirrorRepo.ExistsForCommunity(ctx, submission.ID, community.ID)
	if err != nil {
		return false, fmt.Errorf("ミラー済み確認に失敗しました: %w", err)
	}
	if exists {
		return true, nil
	}

	// 日次上限
	if strategy.MaxDailyPosts != nil {
		count, err := e.deps.MirrorRepo.CountMirroredSince(ctx, submission.Community, community.ID, e.now().Add(-dailyCapWindow))
		if err != nil {
			return false, fmt.Errorf("日次上限の確認に失敗しました: %w", err)
		}
		if count >= *strategy.MaxDailyPosts {
			e.deps.Logger.Info("日次上限に達しているためミラーを見送ります",
				slog.String("submission_id", submission.ID),
				slog.String("community", community.FQDN()),
				slog.Int("max_daily_posts", *strategy.MaxDailyPosts),
			)
			return false, nil
		}
	}

	// 重複URLチェック（リンク投稿のみ）
	if submission.URL != "" {
		dup, err := e.deps.MirrorRepo.ExistsURLInCommunity(ctx, submission.URL, community.ID)
		if err != nil {
			return false, fmt.Errorf("重複URLの確認に失敗しました: %w", err)
		}
		if dup {
			return false, nil
		}
	}

	code := DetectLanguage(submission.Title, submission.SelfText)
	_, languageID := MapLanguage(code, community.AllowsLanguage)

	destCommunityID, err := e.resolveCommunityID(ctx, community)
	if err != nil {
		e.deps.Metrics.RecordMirrorFailure("submission")
		e.deps.Logger.Error("連合先コミュニティIDの解決に失敗しました",
			slog.String("community", community.FQDN()),
			slog.String("error", err.Error()),
		)
		return false, e.markSubmissionFailed(ctx, submission.ID, alreadyMirrored)
	}

	payload, err := e.deps.Builder.BuildPost(ctx, submission, destCommunityID, languageID)
	if err != nil {
		var rejection *model.RejectionError
		switch {
		case errors.As(err, &rejection):
			e.deps.Metrics.RecordRejection("submission")
			e.deps.Logger.Info("投稿をミラー対象から除外しました",
				slog.String("submission_id", submission.ID),
				slog.String("reason", rejection.Reason),
			)
			if alreadyMirrored {
				return false, nil
			}
			return false, e.deps.SubmissionRepo.UpdateStatus(ctx, submission.ID, model.StatusRejected)
		case errors.Is(err, model.ErrRateLimited):
			return false, err
		default:
			e.deps.Metrics.RecordMirrorFailure("submission")
			e.deps.Logger.Error("ペイロードの構築に失敗しました",
				slog.String("submission_id", submission.ID),
				slog.String("error", err.Error()),
			)
			return false, e.markSubmissionFailed(ctx, submission.ID, alreadyMirrored)
		}
	}

	start := e.now()
	postID, err := e.deps.Dest.CreatePost(ctx, e.cfg.Creds, payload)
	e.deps.Metrics.RecordDestCallLatency("create_post", time.Since(start))
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			// statusは変更せず伝搬する。アイテムは次のサイクルで再び候補になる。
			return false, err
		}
		e.deps.Metrics.RecordMirrorFailure("submission")
		e.deps.Logger.Error("連合先への投稿作成に失敗しました",
			slog.String("submission_id", submission.ID),
			slog.String("community", community.FQDN()),
			slog.String("error", err.Error()),
		)
		return false, e.markSubmissionFailed(ctx, submission.ID, alreadyMirrored)
	}

	err = e.deps.MirrorRepo.CreateMirroredPost(ctx, &model.MirroredPost{
		SubmissionID:    submission.ID,
		DestCommunityID: community.ID,
		DestPostID:      postID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// 他のワーカーが勝った。成功として扱う。
			e.deps.Logger.Info("MirroredPostは既に存在します",
				slog.String("submission_id", submission.ID),
				slog.String("community", community.FQDN()),
			)
			return true, nil
		}
		return false, fmt.Errorf("MirroredPostの記録に失敗しました: %w", err)
	}

	e.deps.Metrics.RecordPostMirrored(submission.Community)
	e.deps.Logger.Info("投稿をミラーしました",
		slog.String("submission_id", submission.ID),
		slog.String("community", community.FQDN()),
		slog.Int64("dest_post_id", postID),
	)

	if e.cfg.DiscloseOrigin {
		e.postDisclosure(ctx, submission, postID)
	}

	return true, nil
}

// markSubmissionFailed は投稿をfailedへ遷移させる。
// 同一パス内で既にミラー行が記録された投稿はmirroredが終端状態のため降格させない。
func (e *Engine) markSubmissionFailed(ctx context.Context, submissionID string, alreadyMirrored bool) error {
	if alreadyMirrored {
		return nil
	}
	return e.deps.SubmissionRepo.UpdateStatus(ctx, submissionID, model.StatusFailed)
}

// postDisclosure はミラー元を明示するコメントをベストエフォートで投稿する。
// 失敗してもミラー自体には影響しない。
func (e *Engine) postDisclosure(ctx context.Context, submission *model.SourceSubmission, postID int64) {
	content := fmt.Sprintf(
		"このスレッドは https://www.reddit.com/r/%s/comments/%s/ の自動ミラーです。",
		submission.Community, submission.ID,
	)

	_, err := e.deps.Dest.CreateComment(ctx, e.cfg.Creds, lemmy.CommentRequest{
		PostID:  postID,
		Content: content,
	})
	if err != nil {
		e.deps.Logger.Warn("ミラー元開示コメントの投稿に失敗しました",
			slog.String("submission_id", submission.ID),
			slog.Int64("dest_post_id", postID),
			slog.String("error", err.Error()),
		)
	}
}

// resolveCommunityID は連合先コミュニティの数値IDを解決する。結果はキャッシュする。
func (e *Engine) resolveCommunityID(ctx context.Context, community *model.DestinationCommunity) (int64, error) {
	fqdn := community.FQDN()

	e.mu.Lock()
	id, ok := e.communityIDs[fqdn]
	e.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := e.deps.Dest.DiscoverCommunity(ctx, fqdn)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.communityIDs[fqdn] = id
	e.mu.Unlock()

	return id, nil
}

// RunCommentsOnce はコメントミラーを1回分処理する。
// コミュニティごとに閾値 = max(最終MirroredComment時刻, now - lookbehind) から
// ミラー可能なコメントを親が先の順序で処理する。
func (e *Engine) RunCommentsOnce(ctx context.Context) error {
	if cooling, remaining := e.deps.Governor.CoolingDown(); cooling {
		e.deps.Logger.Info("クールダウン中のためコメントミラーサイクルを見送ります",
			slog.Duration("remaining", remaining),
		)
		return nil
	}

	communities, err := e.deps.StrategyRepo.ListCommentMirroring(ctx)
	if err != nil {
		return fmt.Errorf("コメントミラー対象コミュニティの取得に失敗しました: %w", err)
	}

	for _, community := range communities {
		latest, err := e.deps.MirrorRepo.LatestCommentMirroredAt(ctx, community)
		if err != nil {
			return fmt.Errorf("最終コメントミラー時刻の取得に失敗しました: %w", err)
		}

		since := e.now().Add(-e.cfg.CommentLookbehind)
		if latest.After(since) {
			since = latest
		}

		comments, err := e.deps.CommentRepo.ListReady(ctx, community, since, e.cfg.MaxCommentAge)
		if err != nil {
			return fmt.Errorf("ミラー可能コメントの取得に失敗しました: %w", err)
		}

		for _, comment := range comments {
			if err := e.mirrorComment(ctx, comment); err != nil {
				if errors.Is(err, model.ErrRateLimited) {
					e.deps.Governor.Trip()
					e.deps.Metrics.RecordRateLimitHit()
					e.deps.Logger.Warn("レート制限を観測したためコメントミラーサイクルを停止します",
						slog.String("comment_id", comment.ID),
					)
					return nil
				}
				e.deps.Logger.Error("コメントのミラーに失敗しました",
					slog.String("comment_id", comment.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return nil
}

// mirrorComment は1件のコメントを、属する投稿の全MirroredPost配下へミラーする。
func (e *Engine) mirrorComment(ctx context.Context, comment *model.SourceComment) error {
	submission, err := e.deps.SubmissionRepo.FindByID(ctx, comment.SubmissionID)
	if err != nil {
		return fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}

	author, err := e.deps.AccountRepo.FindByUsername(ctx, comment.Author)
	if err != nil {
		return fmt.Errorf("投稿者の取得に失敗しました: %w", err)
	}

	if err := ValidateComment(comment, submission, author, e.cfg.MaxCommentAge, e.now()); err != nil {
		var rejection *model.RejectionError
		if errors.As(err, &rejection) {
			e.deps.Metrics.RecordRejection("comment")
			e.deps.Logger.Info("コメントをミラー対象から除外しました",
				slog.String("comment_id", comment.ID),
				slog.String("reason", rejection.Reason),
			)
			return e.deps.CommentRepo.UpdateStatus(ctx, comment.ID, model.StatusRejected)
		}
		return err
	}

	posts, err := e.deps.MirrorRepo.ListBySubmission(ctx, comment.SubmissionID)
	if err != nil {
		return fmt.Errorf("MirroredPostの取得に失敗しました: %w", err)
	}

	// 投稿側と同じく、先に成功したMirroredPostがあれば後続の失敗で降格させない
	mirrored := false
	for _, post := range posts {
		ok, err := e.mirrorCommentTo(ctx, comment, submission.Community, post, mirrored)
		if err != nil {
			return err
		}
		if ok {
			mirrored = true
		}
	}

	return nil
}

// mirrorCommentTo は1件のコメントを1つのMirroredPost配下へミラーする。
// 親コメントが同じMirroredPost配下で未ミラーの場合はスキップする
// （親子順序の維持。次のサイクルで再候補になる）。
// ミラー行が記録された（または既に存在した）場合にtrueを返す。
func (e *Engine) mirrorCommentTo(ctx context.Context, comment *model.SourceComment, sourceCommunity string, post *model.MirroredPost, alreadyMirrored bool) (bool, error) {
	existing, err := e.deps.MirrorRepo.FindMirroredComment(ctx, comment.ID, post.ID)
	if err != nil {
		return false, fmt.Errorf("MirroredCommentの確認に失敗しました: %w", err)
	}
	if existing != nil {
		return true, nil
	}

	var parentDestID int64
	if comment.ParentID != "" {
		parentMirror, err := e.deps.MirrorRepo.FindMirroredComment(ctx, comment.ParentID, post.ID)
		if err != nil {
			return false, fmt.Errorf("親MirroredCommentの確認に失敗しました: %w", err)
		}
		if parentMirror == nil {
			return false, nil
		}
		parentDestID = parentMirror.DestCommentID
	}

	community, err := e.deps.InstanceRepo.FindCommunity(ctx, post.DestCommunityID)
	if err != nil {
		return false, fmt.Errorf("連合先コミュニティの取得に失敗しました: %w", err)
	}

	languageID := 0
	if community != nil {
		code := DetectLanguage("", comment.Body)
		_, languageID = MapLanguage(code, community.AllowsLanguage)
	}

	start := e.now()
	commentID, err := e.deps.Dest.CreateComment(ctx, e.cfg.Creds, lemmy.CommentRequest{
		PostID:     post.DestPostID,
		Content:    e.deps.Sanitizer.Sanitize(comment.Body),
		LanguageID: languageID,
		ParentID:   parentDestID,
	})
	e.deps.Metrics.RecordDestCallLatency("create_comment", time.Since(start))
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return false, err
		}
		e.deps.Metrics.RecordMirrorFailure("comment")
		e.deps.Logger.Error("連合先へのコメント作成に失敗しました",
			slog.String("comment_id", comment.ID),
			slog.String("error", err.Error()),
		)
		if alreadyMirrored {
			return false, nil
		}
		return false, e.deps.CommentRepo.UpdateStatus(ctx, comment.ID, model.StatusFailed)
	}

	err = e.deps.MirrorRepo.CreateMirroredComment(ctx, &model.MirroredComment{
		CommentID:      comment.ID,
		MirroredPostID: post.ID,
		DestCommentID:  commentID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return true, nil
		}
		return false, fmt.Errorf("MirroredCommentの記録に失敗しました: %w", err)
	}

	e.deps.Metrics.RecordCommentMirrored(sourceCommunity)
	e.deps.Logger.Info("コメントをミラーしました",
		slog.String("comment_id", comment.ID),
		slog.Int64("dest_comment_id", commentID),
	)

	return true, nil
}
