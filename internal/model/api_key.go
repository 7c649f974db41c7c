package model

import "time"

// APIKey is a client credential. Key never changes after creation, IsActive only
// ever goes from true to false, and RequestCount only grows.
type APIKey struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Key          string    `gorm:"column:api_key;type:varchar(255);uniqueIndex;not null" json:"-"`
	Owner        string    `gorm:"type:varchar(255);not null;index" json:"owner"`
	IsActive     bool      `gorm:"default:true;not null" json:"is_active"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	RequestCount int64     `gorm:"default:0;not null" json:"request_count"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
