// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// SourceErrorKind はソースAPI呼び出しの失敗分類を表す。
type SourceErrorKind string

const (
	// SourceErrNotFound は対象が存在しない（非リトライ、対象をスキップ）。
	SourceErrNotFound SourceErrorKind = "not-found"
	// SourceErrForbidden はアクセス拒否（非リトライ、対象を隠す/スキップ）。
	SourceErrForbidden SourceErrorKind = "forbidden"
	// SourceErrLegallyUnavailable は法的理由で取得不可（非リトライ）。
	SourceErrLegallyUnavailable SourceErrorKind = "legally-unavailable"
	// SourceErrTransient はネットワーク・5xx・パース等の一時的失敗（呼び出し元がリトライ）。
	SourceErrTransient SourceErrorKind = "transient"
)

// SourceError はソースAPI呼び出しの失敗を分類付きで表す。
type SourceError struct {
	Kind SourceErrorKind
	Op   string // 失敗した操作（例: "list_new", "fetch_comment"）
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *SourceError) Error() string {
	return fmt.Sprintf("ソースAPI呼び出し %s が失敗しました (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap は内包するエラーを返す。
func (e *SourceError) Unwrap() error { return e.Err }

// Terminal は非リトライ（終端条件）の失敗かどうかを返す。
func (e *SourceError) Terminal() bool {
	return e.Kind != SourceErrTransient
}

// NewSourceError は分類付きソースエラーを生成する。
func NewSourceError(kind SourceErrorKind, op string, err error) *SourceError {
	return &SourceError{Kind: kind, Op: op, Err: err}
}

// ErrRateLimited は連合先がスロットリングを通知したことを表す。
// このエラーはアイテム単位の境界を越えてループ全体を停止させる（§バックプレッシャ）。
var ErrRateLimited = errors.New("連合先APIにレート制限されました")

// DestError は連合先API呼び出しの失敗（レート制限以外）を表す。
// サーバのエラーメッセージを保持する。
type DestError struct {
	Op      string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *DestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("連合先API呼び出し %s が失敗しました: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("連合先API呼び出し %s が失敗しました: %v", e.Op, e.Err)
}

// Unwrap は内包するエラーを返す。
func (e *DestError) Unwrap() error { return e.Err }

// RejectionError はバリデーションルール違反によるミラー拒否を表す。
// 対象アイテムのstatusはrejected（終端）となる。
type RejectionError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *RejectionError) Error() string {
	return fmt.Sprintf("ミラー対象として拒否されました: %s", e.Reason)
}

// IsRejection はエラーがミラー拒否かどうかを返す。
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
