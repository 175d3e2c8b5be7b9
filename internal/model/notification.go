package model

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSuccess NotificationStatus = "success"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRecord 一次出站投递（含全部重试）的记录，ID 同时作为幂等键
type NotificationRecord struct {
	ID             string             `json:"id"`
	Destination    string             `json:"destination"`
	Event          string             `json:"event"`
	Payload        json.RawMessage    `json:"payload"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	LastStatusCode int                `json:"last_status_code,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Duration       time.Duration      `json:"duration"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// DeliveryStats 出站投递汇总。TotalSent 只计已结束（成功或失败）的投递
type DeliveryStats struct {
	TotalSent    int        `json:"total_sent"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	Pending      int        `json:"pending"`
	SuccessRate  float64    `json:"success_rate"`
	LastSent     *time.Time `json:"last_sent,omitempty"`
	RecentErrors []string   `json:"recent_errors"`
}

// SetSuccessRate 根据 Succeeded 和 TotalSent 计算成功率
func (s *DeliveryStats) SetSuccessRate() {
	s.TotalSent = s.Succeeded + s.Failed
	if s.TotalSent == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.Succeeded) / float64(s.TotalSent)
}
