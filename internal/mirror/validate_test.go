package mirror

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

func validSubmission() *model.SourceSubmission {
	return &model.SourceSubmission{
		ID:       "abc123",
		Title:    "A reasonable title",
		SelfText: "body",
		IsSelf:   true,
	}
}

func TestValidateSubmission(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(s *model.SourceSubmission)
		wantReject bool
	}{
		{
			name:       "有効な投稿",
			mutate:     func(s *model.SourceSubmission) {},
			wantReject: false,
		},
		{
			name:       "タイトルが短すぎる",
			mutate:     func(s *model.SourceSubmission) { s.Title = "abc" },
			wantReject: true,
		},
		{
			name:       "タイトルが長すぎる",
			mutate:     func(s *model.SourceSubmission) { s.Title = strings.Repeat("a", 200) },
			wantReject: true,
		},
		{
			name:       "境界値199文字は有効",
			mutate:     func(s *model.SourceSubmission) { s.Title = strings.Repeat("a", 199) },
			wantReject: false,
		},
		{
			name:       "マルチバイト4文字は有効",
			mutate:     func(s *model.SourceSubmission) { s.Title = "こんにちは" },
			wantReject: false,
		},
		{
			name:       "ソース側で削除済み",
			mutate:     func(s *model.SourceSubmission) { s.Removed = true },
			wantReject: true,
		},
		{
			name:       "本文が削除済みプレースホルダ",
			mutate:     func(s *model.SourceSubmission) { s.SelfText = "[deleted]" },
			wantReject: true,
		},
		{
			name:       "本文がモデレータ削除プレースホルダ",
			mutate:     func(s *model.SourceSubmission) { s.SelfText = "[removed]" },
			wantReject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSubmission()
			tt.mutate(s)

			err := ValidateSubmission(s)
			var rejection *model.RejectionError
			if got := errors.As(err, &rejection); got != tt.wantReject {
				t.Errorf("ValidateSubmission() = %v, wantReject = %v", err, tt.wantReject)
			}
		})
	}
}

func TestValidateComment(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	maxAge := time.Hour

	validComment := func() *model.SourceComment {
		return &model.SourceComment{
			ID:           "cmt1",
			SubmissionID: "abc123",
			Author:       "gopher",
			Body:         "valid body",
			PostedAt:     now.Add(-10 * time.Minute),
		}
	}
	validAuthor := &model.SourceAccount{Username: "gopher"}
	submission := validSubmission()

	tests := []struct {
		name       string
		comment    func() *model.SourceComment
		submission *model.SourceSubmission
		author     *model.SourceAccount
		wantReject bool
	}{
		{
			name:       "有効なコメント",
			comment:    validComment,
			submission: submission,
			author:     validAuthor,
			wantReject: false,
		},
		{
			name: "古すぎるコメント",
			comment: func() *model.SourceComment {
				c := validComment()
				c.PostedAt = now.Add(-2 * time.Hour)
				return c
			},
			submission: submission,
			author:     validAuthor,
			wantReject: true,
		},
		{
			name:       "投稿者が未観測",
			comment:    validComment,
			submission: submission,
			author:     nil,
			wantReject: true,
		},
		{
			name:       "ボット投稿者",
			comment:    validComment,
			submission: submission,
			author:     &model.SourceAccount{Username: "bot", MarkedAsBot: true},
			wantReject: true,
		},
		{
			name:       "スパマー投稿者",
			comment:    validComment,
			submission: submission,
			author:     &model.SourceAccount{Username: "spam", MarkedAsSpammer: true},
			wantReject: true,
		},
		{
			name: "スパムマーク付き",
			comment: func() *model.SourceComment {
				c := validComment()
				c.MarkedAsSpam = true
				return c
			},
			submission: submission,
			author:     validAuthor,
			wantReject: true,
		},
		{
			name: "固定コメント",
			comment: func() *model.SourceComment {
				c := validComment()
				c.Stickied = true
				return c
			},
			submission: submission,
			author:     validAuthor,
			wantReject: true,
		},
		{
			name: "削除済み本文",
			comment: func() *model.SourceComment {
				c := validComment()
				c.Body = "[deleted]"
				return c
			},
			submission: submission,
			author:     validAuthor,
			wantReject: true,
		},
		{
			name:       "属する投稿が存在しない",
			comment:    validComment,
			submission: nil,
			author:     validAuthor,
			wantReject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateComment(tt.comment(), tt.submission, tt.author, maxAge, now)
			var rejection *model.RejectionError
			if got := errors.As(err, &rejection); got != tt.wantReject {
				t.Errorf("ValidateComment() = %v, wantReject = %v", err, tt.wantReject)
			}
		})
	}
}
