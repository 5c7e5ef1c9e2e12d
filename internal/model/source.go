// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// ItemStatus は取り込んだソースアイテム（投稿・コメント）のライフサイクル状態を表す。
type ItemStatus string

const (
	// StatusRetrieved は取り込み済みでミラー判定待ちの状態。
	StatusRetrieved ItemStatus = "retrieved"
	// StatusRejected はポリシーまたは鮮度により恒久的に除外された状態。
	StatusRejected ItemStatus = "rejected"
	// StatusFailed は一時的エラーでミラーに失敗した状態。オペレータが再キュー可能。
	StatusFailed ItemStatus = "failed"
	// StatusMirrored はミラー完了の終端状態。
	StatusMirrored ItemStatus = "mirrored"
)

// SourceCommunity はソースネットワークのコミュニティ（subreddit）を表す。
// 名前は小文字で一意。エンジンから削除されることはない。
type SourceCommunity struct {
	Name         string
	Category     string
	Over18       bool
	Hidden       bool
	Locked       bool
	Metadata     json.RawMessage // ソースAPIのaboutスナップショット
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SourceAccount はソースネットワークのユーザーアカウントを表す。
// 新しい投稿者を観測するたびにUPSERTされる。
type SourceAccount struct {
	Username        string
	MarkedAsSpammer bool
	MarkedAsBot     bool
	Suspended       bool
	Blocked         bool
	// ActorURL は連合先のアクターURL。connection:redditエントリまたは
	// アカウントリンカーにより設定される。未リンクの場合は空。
	ActorURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceSubmission はソースネットワークの投稿を表す。
// IDはソース側が割り当てる不透明なID（例: "abc123"）。
type SourceSubmission struct {
	ID        string
	Community string
	Author    string
	URL       string
	URLHost   string // URLのホスト名。取り込み時に抽出され、ブロックリスト判定に使う。
	Title     string
	SelfText  string // セルフ投稿の本文（Markdown）。リンク投稿では空。
	IsSelf    bool   // セルフ投稿（本文のみ）かどうか
	Over18    bool
	HasMedia    bool
	IsVideo     bool
	IsGallery   bool
	IsCrossPost bool
	Archived    bool
	Locked      bool
	Quarantined bool
	Removed     bool
	ApprovedAt  *time.Time
	BannedAt    *time.Time
	Status      ItemStatus
	StatusAt    time.Time // 最後にstatusが変化した時刻
	PostedAt    time.Time // ソース上の投稿時刻
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tombstoned は本文が削除済みプレースホルダに置き換えられているかを返す。
func (s *SourceSubmission) Tombstoned() bool {
	return s.SelfText == "[deleted]" || s.SelfText == "[removed]"
}

// SourceComment はソースネットワークのコメントを表す。
// ParentIDが設定されている場合、親コメントは必ず同じSubmissionに属する。
// スレッドはSubmissionを根とするフォレストを構成する。
type SourceComment struct {
	ID            string
	SubmissionID  string
	Author        string
	ParentID      string // 空文字列はトップレベルコメント
	Permalink     string
	Body          string
	Stickied      bool
	Edited        bool
	Distinguished bool
	MarkedAsSpam  bool
	Status        ItemStatus
	StatusAt      time.Time
	PostedAt      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
