package model

import "time"

// RequestLog is one append-only record of a prompt and the text a backend produced for it.
type RequestLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID string    `gorm:"type:varchar(64);index" json:"request_id,omitempty"`
	Owner     string    `gorm:"column:api_key_owner;type:varchar(255);not null;index" json:"api_key_owner"`
	ModelUsed string    `gorm:"type:varchar(255);not null" json:"model_used"`
	Prompt    string    `gorm:"type:text" json:"prompt"`
	Response  string    `gorm:"type:text" json:"response"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

func (RequestLog) TableName() string {
	return "logs"
}
