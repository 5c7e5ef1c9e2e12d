// Package model はドメインモデルを定義する。
package model

import "time"

// MirrorPolicy はミラーリング方針を表す。
// 投稿ポリシーとコメントポリシーの両方で同じ値集合を使用する。
type MirrorPolicy string

const (
	// PolicyDisabled はミラーリング無効。
	PolicyDisabled MirrorPolicy = "disabled"
	// PolicyLinkOnly はリンク投稿のみミラーする。
	PolicyLinkOnly MirrorPolicy = "link-only"
	// PolicySelfOnly はセルフ投稿のみミラーする。
	PolicySelfOnly MirrorPolicy = "self-only"
	// PolicyFull は全種別をミラーする。
	PolicyFull MirrorPolicy = "full"
)

// AcceptsSubmission はポリシーが指定種別の投稿を受け入れるかを返す。
func (p MirrorPolicy) AcceptsSubmission(isSelf bool) bool {
	switch p {
	case PolicyFull:
		return true
	case PolicyLinkOnly:
		return !isSelf
	case PolicySelfOnly:
		return isSelf
	default:
		return false
	}
}

// MirrorStrategy はソースコミュニティと連合先コミュニティの組ごとの
// ミラーリング方針を表す。(source, destination) の組で一意。
type MirrorStrategy struct {
	ID                 string
	SourceCommunity    string
	DestCommunityID    string
	SubmissionPolicy   MirrorPolicy
	CommentPolicy      MirrorPolicy
	// MaxDailyPosts は24時間あたりの投稿ミラー上限。nilは無制限。
	MaxDailyPosts *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MirroredPost はソース投稿と連合先投稿の対応を表す。
// (submission, dest_post_id) と (submission, dest_community) の両方で一意。
type MirroredPost struct {
	ID              string
	SubmissionID    string
	DestCommunityID string
	DestPostID      int64
	CreatedAt       time.Time
}

// MirroredComment はソースコメントと連合先コメントの対応を表す。
// (mirrored_post, dest_comment_id) で一意。ミラー済みの子コメントの親は
// 必ず同じMirroredPost配下にMirroredCommentを持つ（親先行不変条件）。
type MirroredComment struct {
	ID             string
	CommentID      string
	MirroredPostID string
	DestCommentID  int64
	CreatedAt      time.Time
}
