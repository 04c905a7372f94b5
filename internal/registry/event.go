package registry

import "time"

// EventType 注册表变更事件类型
type EventType string

const (
	// EventRegistered 实例完成注册
	EventRegistered EventType = "registered"
	// EventDeregistered 实例被显式注销
	EventDeregistered EventType = "deregistered"
	// EventStatusChanged 实例状态发生变化
	EventStatusChanged EventType = "status_changed"
	// EventExpired 实例因心跳超时被清除
	EventExpired EventType = "expired"
)

// Event 注册表变更事件，携带变更发生后的实例快照
type Event struct {
	Type       EventType        `json:"type"`
	Service    string           `json:"service"`
	Instance   *ServiceInstance `json:"instance"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Handler 变更事件回调
type Handler func(Event)
