// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
// 複数のミラーワーカーが同じ(投稿, コミュニティ)の組で競合した場合に発生し、
// 呼び出し側は成功（他のワーカーが勝った）として扱う。
var ErrDuplicate = errors.New("一意制約に違反しました")

// CommunityRepository はソースコミュニティの永続化インターフェース。
type CommunityRepository interface {
	// FindByName は指定名のコミュニティを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.SourceCommunity, error)

	// Upsert はコミュニティを名前をキーにUPSERTする。
	// metadata・フラグ類を上書きし、last_synced_atは変更しない。
	Upsert(ctx context.Context, community *model.SourceCommunity) error

	// ListDueForSync はミラー戦略を持ち、last_synced_atがinterval以上前
	// （またはNULL）のコミュニティを古い順にlimit件、
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForSync(ctx context.Context, interval time.Duration, limit int) ([]*model.SourceCommunity, error)

	// ListMapped はミラー戦略を1つ以上持つ全コミュニティ名を返す。
	ListMapped(ctx context.Context) ([]string, error)

	// UpdateLastSynced はlast_synced_atを指定時刻に更新する。
	UpdateLastSynced(ctx context.Context, name string, at time.Time) error

	// SetHidden はコミュニティの隠しフラグを設定する。
	// ソースAPIがnot-found/forbiddenを返した場合の終端処理。
	SetHidden(ctx context.Context, name string, hidden bool) error

	// SetCategory はコミュニティのカテゴリを更新する。
	SetCategory(ctx context.Context, name, category string) error
}

// AccountRepository はソースアカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByUsername は指定名のアカウントを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.SourceAccount, error)

	// Upsert はアカウントを名前をキーにUPSERTする。
	// 戻り値は新規作成されたかどうか（アカウントリンカーのトリガに使用）。
	Upsert(ctx context.Context, account *model.SourceAccount) (created bool, err error)

	// SetActorURL は連合先アクターURLを設定する。
	SetActorURL(ctx context.Context, username, actorURL string) error
}

// InstanceRepository は連合先インスタンスとコミュニティの永続化インターフェース。
type InstanceRepository interface {
	// FindInstance は指定ドメインのインスタンスを取得する。見つからない場合はnilを返す。
	FindInstance(ctx context.Context, domain string) (*model.DestinationInstance, error)

	// UpsertInstance はインスタンスをドメインをキーにUPSERTする。
	UpsertInstance(ctx context.Context, instance *model.DestinationInstance) error

	// FindCommunity は指定IDの連合先コミュニティを取得する。見つからない場合はnilを返す。
	FindCommunity(ctx context.Context, id string) (*model.DestinationCommunity, error)

	// FindCommunityByFQDN は name@instance 形式で連合先コミュニティを検索する。
	// 見つからない場合はnilを返す。
	FindCommunityByFQDN(ctx context.Context, fqdn string) (*model.DestinationCommunity, error)

	// UpsertCommunity はコミュニティを(instance, name)をキーにUPSERTし、
	// 確定したIDを書き戻す。
	UpsertCommunity(ctx context.Context, community *model.DestinationCommunity) error
}

// StrategyRepository はミラー戦略の永続化インターフェース。
type StrategyRepository interface {
	// ListBySourceCommunity は指定ソースコミュニティの全戦略を返す。
	ListBySourceCommunity(ctx context.Context, sourceCommunity string) ([]*model.MirrorStrategy, error)

	// ListCommentMirroring はコメントポリシーがdisabled以外の戦略を持つ
	// ソースコミュニティ名の一覧を返す。
	ListCommentMirroring(ctx context.Context) ([]string, error)

	// Upsert は戦略を(source, destination)をキーにUPSERTする。
	Upsert(ctx context.Context, strategy *model.MirrorStrategy) error
}

// SubmissionRepository はソース投稿の永続化インターフェース。
type SubmissionRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SourceSubmission, error)

	// Upsert は投稿をIDをキーにUPSERTする。
	// 既存行のstatusは変更しない（retrieved→retrievedは実質no-op）。
	Upsert(ctx context.Context, submission *model.SourceSubmission) error

	// ListEligible はミラー候補の投稿を返す（§ eligible_submissions）。
	// status=retrieved、投稿者がbot/spammerでない、removed/quarantined/banned/
	// over18でない、クロスポストでない、URLホストがブロックリストにない、
	// maxAge以内、かつ種別に合致するsubmission policyを持つ戦略が存在するもの。
	ListEligible(ctx context.Context, maxAge time.Duration) ([]*model.SourceSubmission, error)

	// UpdateStatus は投稿のstatusとstatus_atを更新する。
	// mirrored/rejectedは終端状態のため上書きしない。
	UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error

	// RejectStale はgraceより古いretrievedかつMirroredPostを持たない投稿を
	// 一括でrejectedに遷移させる（ジャニター）。戻り値は遷移件数。
	RejectStale(ctx context.Context, grace time.Duration) (int64, error)

	// LatestPostedAt は指定コミュニティに保存済みの最新投稿時刻を返す。
	// 1件もない場合はゼロ値を返す。
	LatestPostedAt(ctx context.Context, community string) (time.Time, error)
}

// CommentRepository はソースコメントの永続化インターフェース。
type CommentRepository interface {
	// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SourceComment, error)

	// Upsert はコメントをIDをキーにUPSERTする。既存行のstatusは変更しない。
	Upsert(ctx context.Context, comment *model.SourceComment) error

	// ListReady はミラー可能なコメントを返す（§ comments_ready）。
	// status=retrieved、maxAge以内、属する投稿がMirroredPostを持ち、
	// 親が存在しないか親のstatus=mirroredのもの。since以降の投稿時刻に限定する。
	ListReady(ctx context.Context, community string, since time.Time, maxAge time.Duration) ([]*model.SourceComment, error)

	// UpdateStatus はコメントのstatusとstatus_atを更新する。
	// mirrored/rejectedは終端状態のため上書きしない。
	UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error

	// RejectStale はgraceより古いretrievedかつMirroredCommentを持たない
	// コメントを一括でrejectedに遷移させる（ジャニター）。戻り値は遷移件数。
	RejectStale(ctx context.Context, grace time.Duration) (int64, error)
}

// MirrorRepository はミラーリンク（MirroredPost/MirroredComment）の
// 永続化インターフェース。status更新とリンク行の作成は同一トランザクションで行う。
type MirrorRepository interface {
	// CreateMirroredPost はMirroredPostを作成し、同一トランザクションで
	// 投稿のstatusをmirroredに遷移させる。
	// 一意制約違反の場合はErrDuplicateを返す（他ワーカーが先行）。
	CreateMirroredPost(ctx context.Context, post *model.MirroredPost) error

	// CreateMirroredComment はMirroredCommentを作成し、同一トランザクションで
	// コメントのstatusをmirroredに遷移させる。
	// 一意制約違反の場合はErrDuplicateを返す。
	CreateMirroredComment(ctx context.Context, comment *model.MirroredComment) error

	// ListBySubmission は指定投稿の全MirroredPostを返す。
	ListBySubmission(ctx context.Context, submissionID string) ([]*model.MirroredPost, error)

	// ExistsForCommunity は(投稿, 連合先コミュニティ)のMirroredPostが
	// 既に存在するかを返す。
	ExistsForCommunity(ctx context.Context, submissionID, destCommunityID string) (bool, error)

	// ExistsURLInCommunity は指定URLの投稿が既に同じ連合先コミュニティへ
	// ミラー済みかを返す（重複URLチェック）。
	ExistsURLInCommunity(ctx context.Context, url, destCommunityID string) (bool, error)

	// CountMirroredSince は(ソース, 連合先)の組でsince以降に作成された
	// MirroredPost数を返す（日次上限の判定）。
	CountMirroredSince(ctx context.Context, sourceCommunity, destCommunityID string, since time.Time) (int, error)

	// FindMirroredComment は(ソースコメント, MirroredPost)のMirroredCommentを
	// 取得する。見つからない場合はnilを返す（親コメントの連合先ID解決）。
	FindMirroredComment(ctx context.Context, commentID, mirroredPostID string) (*model.MirroredComment, error)

	// LatestCommentMirroredAt は指定ソースコミュニティで最後にMirroredCommentが
	// 作成された時刻を返す。1件もない場合はゼロ値を返す。
	LatestCommentMirroredAt(ctx context.Context, community string) (time.Time, error)
}

// PeerRepository はPeerレジストリの永続化インターフェース。
type PeerRepository interface {
	// FindByPortalURL はポータルURLでPeerを検索する。見つからない場合はnilを返す。
	FindByPortalURL(ctx context.Context, portalURL string) (*model.Peer, error)

	// Upsert はPeerをポータルURLをキーにUPSERTし、確定したIDを書き戻す。
	// last_entry_seen_atは変更しない。
	Upsert(ctx context.Context, peer *model.Peer) error

	// List は全Peerを返す。
	List(ctx context.Context) ([]*model.Peer, error)

	// UpdateCursor はチェンジフィード取り込みの再開カーソルを更新する。
	UpdateCursor(ctx context.Context, peerID string, seenAt time.Time) error

	// CreateEndorsement は推薦エッジを作成する。既存の場合はErrDuplicateを返す。
	CreateEndorsement(ctx context.Context, endorsement *model.Endorsement) error
}

// ChangeFeedRepository はチェンジフィードエントリと同期ジョブの永続化インターフェース。
type ChangeFeedRepository interface {
	// PublishLocal はローカルエントリ（peer_id NULL）を追記する。
	PublishLocal(ctx context.Context, kind model.EntryKind, payload []byte) (*model.ChangeFeedEntry, error)

	// InsertRemote はリモートエントリを追記する。
	// (peer, remote_id)が既に存在する場合はErrDuplicateを返す（冪等）。
	InsertRemote(ctx context.Context, entry *model.ChangeFeedEntry) error

	// ListLocalSince はローカルエントリをsinceより後の作成時刻で古い順に
	// ページ取得する。pageは1始まり。
	ListLocalSince(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error)

	// CreateSyncJob は取り込み1回分の監査レコードを作成する。
	CreateSyncJob(ctx context.Context, job *model.SyncJob) error
}

// ChangeRequestRepository はモデレーション提案の永続化インターフェース。
type ChangeRequestRepository interface {
	// Create は提案をrequested状態で作成する。
	Create(ctx context.Context, request *model.ChangeRequest) error

	// FindByID は指定IDの提案を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ChangeRequest, error)

	// ListByStatus は指定状態の提案を古い順に返す。
	ListByStatus(ctx context.Context, status model.RequestStatus) ([]*model.ChangeRequest, error)

	// Resolve は提案を終端状態（accepted/rejected）に遷移させる。
	Resolve(ctx context.Context, id string, status model.RequestStatus, at time.Time) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
