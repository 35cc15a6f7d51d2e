package model

import "time"

// EventType Kafka 事件类型
type EventType string

const (
	EventIssued    EventType = "ISSUED"
	EventUsed      EventType = "USED"
	EventCreated   EventType = "CREATED"
	EventDeleted   EventType = "DELETED"
	EventDisabled  EventType = "DISABLED"
	EventRestocked EventType = "RESTOCKED"
)

// CouponEvent 发券、用券和管理操作共用的事件结构
type CouponEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Origin     string    `json:"origin"` // 产生事件的实例，消费者据此跳过自己的事件
	CouponCode string    `json:"couponCode"`
	UserID     int64     `json:"userId,omitempty"`
	IssueCode  string    `json:"issueCode,omitempty"`
	TotalStock int       `json:"totalStock,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
