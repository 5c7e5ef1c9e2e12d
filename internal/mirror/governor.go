// Package mirror はミラーエンジンを提供する。
// ポリシー評価、言語マッピング、ペイロード構築、親子順序の維持、
// 連合先への書き込みとアイテムstatusの更新を行う。
package mirror

import (
	"sync"
	"time"
)

// Governor は連合先のレート制限に対する協調バックオフを管理する。
// レート制限を観測したループはTripを呼び、クールダウン期限を設定する。
// 各ループはサイクル開始時にCoolingDownを確認し、期限内であれば
// そのサイクルを見送る。自動リトライは行わない。statusが進まなかった
// アイテムは次のサイクルで再び候補になる。
type Governor struct {
	coolDown time.Duration

	mu            sync.Mutex
	coolDownUntil time.Time

	now func() time.Time // テスト用に差し替え可能
}

// NewGovernor はGovernorの新しいインスタンスを生成する。
func NewGovernor(coolDown time.Duration) *Governor {
	return &Governor{
		coolDown: coolDown,
		now:      time.Now,
	}
}

// Trip はレート制限の観測を記録し、クールダウン期限を設定する。
func (g *Governor) Trip() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.coolDownUntil = g.now().Add(g.coolDown)
}

// CoolingDown はクールダウン中かどうかと、残り時間を返す。
func (g *Governor) CoolingDown() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.coolDownUntil.Sub(g.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}
