package mirror

import (
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

const (
	// minTitleLength / maxTitleLength はタイトル長の許容範囲（排他的境界）。
	minTitleLength = 3
	maxTitleLength = 200
)

// ValidateSubmission は投稿がミラー可能かを検証する。
// ルール違反の場合は理由付きのRejectionErrorを返す。
func ValidateSubmission(s *model.SourceSubmission) error {
	titleLen := len([]rune(s.Title))
	if titleLen <= minTitleLength {
		return &model.RejectionError{Reason: "タイトルが短すぎます"}
	}
	if titleLen >= maxTitleLength {
		return &model.RejectionError{Reason: "タイトルが長すぎます"}
	}
	if s.Removed {
		return &model.RejectionError{Reason: "ソース側で削除されています"}
	}
	if s.Tombstoned() {
		return &model.RejectionError{Reason: "本文が削除済みプレースホルダです"}
	}
	return nil
}

// ValidateComment はコメントがミラー可能かを検証する。
// authorはnilの場合がある（投稿者が未観測）。
func ValidateComment(c *model.SourceComment, submission *model.SourceSubmission, author *model.SourceAccount, maxAge time.Duration, now time.Time) error {
	if now.Sub(c.PostedAt) > maxAge {
		return &model.RejectionError{Reason: "コメントが古すぎます"}
	}
	if author == nil {
		return &model.RejectionError{Reason: "投稿者が未観測です"}
	}
	if author.MarkedAsBot {
		return &model.RejectionError{Reason: "投稿者がボットとしてマークされています"}
	}
	if author.MarkedAsSpammer {
		return &model.RejectionError{Reason: "投稿者がスパマーとしてマークされています"}
	}
	if c.MarkedAsSpam {
		return &model.RejectionError{Reason: "スパムとしてマークされています"}
	}
	if c.Stickied {
		return &model.RejectionError{Reason: "固定コメントはミラーしません"}
	}
	if c.Body == "[deleted]" || c.Body == "[removed]" {
		return &model.RejectionError{Reason: "本文が削除済みプレースホルダです"}
	}
	if submission == nil {
		return &model.RejectionError{Reason: "属する投稿が存在しません"}
	}
	return nil
}
