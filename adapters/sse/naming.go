package sse

import "strings"

// Group 組合出 "domain:id:eventType" 格式的 group 名稱。
func Group(domain, id, eventType string) string {
	return strings.Join([]string{domain, id, eventType}, ":")
}

// GroupFor 使用 T 的型別標籤組合 group 名稱。
func GroupFor[T any](domain, id string) string {
	return Group(domain, id, EventType[T]())
}

// DomainGroup 組合出 "domain:id" 格式的 group 名稱。
func DomainGroup(domain, id string) string {
	return domain + ":" + id
}

// BroadcastGroup 返回 domain 的全域 group。
func BroadcastGroup(domain string) string {
	return DomainGroup(domain, "all")
}
