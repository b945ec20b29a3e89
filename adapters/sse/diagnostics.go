package sse

import (
	"cmp"
	"slices"

	"github.com/samber/lo"
)

// Diagnostics 是本節點 backplane 狀態的快照。
type Diagnostics struct {
	TotalGroups           int         `json:"totalGroups"`
	TotalLocalSubscribers int         `json:"totalLocalSubscribers"`
	Groups                []GroupInfo `json:"groups"`
}

// GroupInfo 描述單一 group 在本節點的訂閱狀況。
type GroupInfo struct {
	GroupID          string `json:"groupId"`
	LocalSubscribers int    `json:"localSubscribers"`
}

// groupInfos 收集仍有訂閱者的 group，依名稱排序。
func (m *subscriptionManager) groupInfos() []GroupInfo {
	infos := make([]GroupInfo, 0)
	m.groups.Range(func(k, v any) bool {
		if n := v.(*group).count(); n > 0 {
			infos = append(infos, GroupInfo{GroupID: k.(string), LocalSubscribers: n})
		}
		return true
	})
	slices.SortFunc(infos, func(a, b GroupInfo) int {
		return cmp.Compare(a.GroupID, b.GroupID)
	})
	return infos
}

func (m *subscriptionManager) localGroups() []string {
	return lo.Map(m.groupInfos(), func(info GroupInfo, _ int) string {
		return info.GroupID
	})
}

func (m *subscriptionManager) diagnostics() Diagnostics {
	infos := m.groupInfos()
	return Diagnostics{
		TotalGroups: len(infos),
		TotalLocalSubscribers: lo.SumBy(infos, func(info GroupInfo) int {
			return info.LocalSubscribers
		}),
		Groups: infos,
	}
}
