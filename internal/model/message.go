package model

import (
	"slices"
	"strings"
	"time"
)

type Label string

const (
	LabelInterested    Label = "Interested"
	LabelMeetingBooked Label = "Meeting Booked"
	LabelNotInterested Label = "Not Interested"
	LabelSpam          Label = "Spam"
	LabelOutOfOffice   Label = "Out of Office"
)

// Labels 返回全部合法分类
func Labels() []Label {
	return []Label{LabelInterested, LabelMeetingBooked, LabelNotInterested, LabelSpam, LabelOutOfOffice}
}

// ParseLabel 忽略大小写和空白匹配分类名，"MeetingBooked" 与 "Meeting Booked" 等价
func ParseLabel(s string) (Label, bool) {
	key := compactLabel(s)
	if key == "" {
		return "", false
	}
	for _, l := range Labels() {
		if strings.EqualFold(compactLabel(string(l)), key) {
			return l, true
		}
	}
	return "", false
}

func compactLabel(s string) string {
	return strings.Join(strings.Fields(s), "")
}

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type Body struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Attachment 只保存元数据，不保存内容
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type Enrichment struct {
	Label      Label     `json:"label"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	EnrichedAt time.Time `json:"enriched_at"`
}

type Message struct {
	ID           string       `json:"id"`
	MessageID    string       `json:"message_id"`
	AccountID    string       `json:"account_id"`
	AccountEmail string       `json:"account_email"`
	Subject      string       `json:"subject"`
	From         Address      `json:"from"`
	To           []Address    `json:"to"`
	Cc           []Address    `json:"cc"`
	Date         time.Time    `json:"date"`
	Body         Body         `json:"body"`
	Attachments  []Attachment `json:"attachments"`
	Folder       string       `json:"folder"`
	Flags        []string     `json:"flags"`
	UID          uint32       `json:"uid"`
	IsRead       bool         `json:"is_read"`
	Enrichment   *Enrichment  `json:"enrichment,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Clone 深拷贝，交给其他 goroutine 的消息都应先拷贝
func (m *Message) Clone() *Message {
	c := *m
	c.To = slices.Clone(m.To)
	c.Cc = slices.Clone(m.Cc)
	c.Attachments = slices.Clone(m.Attachments)
	c.Flags = slices.Clone(m.Flags)
	if m.Enrichment != nil {
		e := *m.Enrichment
		c.Enrichment = &e
	}
	return &c
}

// RecipientText 把 To 和 Cc 的名字与地址拼成一段文本，供全文索引使用
func (m *Message) RecipientText() string {
	parts := make([]string, 0, 2*(len(m.To)+len(m.Cc)))
	for _, list := range [][]Address{m.To, m.Cc} {
		for _, a := range list {
			if a.Name != "" {
				parts = append(parts, a.Name)
			}
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, " ")
}

// LabelOrDefault 未分类时返回 fallback
func (m *Message) LabelOrDefault(fallback string) string {
	if m.Enrichment == nil || m.Enrichment.Label == "" {
		return fallback
	}
	return string(m.Enrichment.Label)
}

// Filter 消息列表和搜索共用的过滤条件
type Filter struct {
	AccountIDs []string
	Folder     string
	Label      Label
	IsRead     *bool
	From       *time.Time
	To         *time.Time
}

type Page struct {
	Offset int
	Limit  int
}

// EnrichmentStats 分类结果汇总；AverageConfidence 只统计已分类消息
type EnrichmentStats struct {
	Total             int           `json:"total"`
	Categorized       int           `json:"categorized"`
	Uncategorized     int           `json:"uncategorized"`
	ByLabel           map[Label]int `json:"by_label"`
	AverageConfidence float64       `json:"average_confidence"`
}

type MessagePage struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
	HasMore  bool       `json:"has_more"`
}
