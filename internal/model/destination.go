// Package model はドメインモデルを定義する。
package model

import "time"

// InstanceSoftware は連合先インスタンスのソフトウェア種別を表す。
type InstanceSoftware string

const (
	// SoftwareLemmy はLemmyインスタンス。
	SoftwareLemmy InstanceSoftware = "lemmy"
	// SoftwareKbin はKbinインスタンス。
	SoftwareKbin InstanceSoftware = "kbin"
	// SoftwareMbin はMbinインスタンス。
	SoftwareMbin InstanceSoftware = "mbin"
)

// InstanceStatus は連合先インスタンスの運用状態を表す。
type InstanceStatus string

const (
	// InstanceStatusActive は稼働中のインスタンス。
	InstanceStatusActive InstanceStatus = "active"
	// InstanceStatusClosed は新規受け入れを停止したインスタンス。
	InstanceStatusClosed InstanceStatus = "closed"
	// InstanceStatusGone は消滅したインスタンス。
	InstanceStatusGone InstanceStatus = "gone"
)

// DestinationInstance は連合先ネットワークのインスタンスを表す。
// ドメインで一意に識別される。
type DestinationInstance struct {
	Domain            string
	Software          InstanceSoftware
	Status            InstanceStatus
	Category          string
	Over18            bool
	OpenRegistrations bool
	Tags              []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DestinationCommunity は連合先ネットワークのコミュニティを表す。
// (instance, name) の組で一意。
type DestinationCommunity struct {
	ID             string
	InstanceDomain string
	Name           string
	Description    string
	Category       string
	// Languages はコミュニティが許可する言語コード（ISO 639-1）の集合。
	// 空の場合は全言語を許可する。
	Languages []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FQDN は name@instance 形式の完全修飾コミュニティ名を返す。
func (c *DestinationCommunity) FQDN() string {
	return c.Name + "@" + c.InstanceDomain
}

// AllowsLanguage は指定の言語コードがコミュニティで許可されているかを返す。
// 許可集合が空の場合は常にtrue。
func (c *DestinationCommunity) AllowsLanguage(code string) bool {
	if len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if l == code {
			return true
		}
	}
	return false
}
