package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/pkg/metrics"
	"onebox/pkg/mq"
)

const (
	EventInterested    = "email_interested"
	EventCategorized   = "email_categorized"
	EventBulkProcessed = "bulk_email_processed"
	EventTest          = "test_webhook"

	uncategorized = "Uncategorized"
	unknownAcct   = "Unknown"
	slackFooter   = "Onebox"
)

var categoryColors = map[model.Label]string{
	model.LabelInterested:    "#28a745",
	model.LabelMeetingBooked: "#007bff",
	model.LabelNotInterested: "#dc3545",
	model.LabelSpam:          "#fd7e14",
	model.LabelOutOfOffice:   "#6f42c1",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
}

// InterestedData 外部回调 email_interested 事件的数据
type InterestedData struct {
	EmailID      string          `json:"emailId"`
	MessageID    string          `json:"messageId"`
	From         model.Address   `json:"from"`
	To           []model.Address `json:"to"`
	Subject      string          `json:"subject"`
	AccountEmail string          `json:"accountEmail"`
	Date         time.Time       `json:"date"`
	Category     string          `json:"aiCategory"`
	Confidence   float64         `json:"aiConfidence"`
	Preview      string          `json:"preview"`
	IsRead       bool            `json:"isRead"`
	Folder       string          `json:"folder"`
}

// CategorizedData 附加 webhook 的 email_categorized 事件数据
type CategorizedData struct {
	ID         string  `json:"id"`
	Subject    string  `json:"subject"`
	From       string  `json:"from"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Account    string  `json:"account"`
}

// Summary 批量处理的汇总
type Summary struct {
	Total       int            `json:"total"`
	ByCategory  map[string]int `json:"byCategory"`
	ByAccount   map[string]int `json:"byAccount"`
	ProcessedAt time.Time      `json:"processedAt"`
}

// NotifyInterested 并发投递到所有已配置的目标，单个目标失败不影响其他目标
func (d *Dispatcher) NotifyInterested(ctx context.Context, m *model.Message) error {
	var tasks []func() error

	if d.cfg.SlackURL != "" {
		tasks = append(tasks, func() error { return d.sendSlack(ctx, interestedSlackMessage(m, d.now())) })
	}
	if d.cfg.ExternalURL != "" {
		tasks = append(tasks, func() error {
			_, err := d.Dispatch(ctx, d.cfg.ExternalURL, EventInterested, interestedData(m), nil)
			return err
		})
	}
	for _, url := range d.cfg.AdditionalURLs {
		tasks = append(tasks, func() error {
			_, err := d.Dispatch(ctx, url, EventCategorized, categorizedData(m), nil)
			return err
		})
	}
	if d.sink != nil {
		tasks = append(tasks, func() error { return d.publish(ctx, m) })
	}

	if len(tasks) == 0 {
		return ErrNoDestination
	}
	return fanOut(tasks)
}

func fanOut(tasks []func() error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

func (d *Dispatcher) sendSlack(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	_, err = d.deliver(ctx, d.newRecord(d.cfg.SlackURL, "slack_message", body), nil)
	return err
}

func (d *Dispatcher) publish(ctx context.Context, m *model.Message) error {
	if err := d.sink.PublishWithContext(ctx, mq.RoutingMessageInterested, interestedData(m)); err != nil {
		metrics.IncrementNotification("amqp", "failed")
		return fmt.Errorf("failed to publish interested event: %w", err)
	}
	metrics.IncrementNotification("amqp", "success")
	return nil
}

// NotifyBulk 汇总一批消息，发送一条 Slack 摘要和一条外部回调
func (d *Dispatcher) NotifyBulk(ctx context.Context, messages []*model.Message, event string) (Summary, error) {
	if event == "" {
		event = EventBulkProcessed
	}
	summary := BuildBulkSummary(messages, d.now())

	var tasks []func() error
	if d.cfg.SlackURL != "" {
		tasks = append(tasks, func() error { return d.sendSlack(ctx, bulkSlackMessage(summary)) })
	}
	if d.cfg.ExternalURL != "" {
		tasks = append(tasks, func() error {
			_, err := d.Dispatch(ctx, d.cfg.ExternalURL, event, summary, nil)
			return err
		})
	}
	if len(tasks) == 0 {
		return summary, ErrNoDestination
	}

	err := fanOut(tasks)
	if err != nil {
		d.logger.Warn("Bulk notification partially failed", zap.Int("total", summary.Total), zap.Error(err))
	}
	return summary, err
}

// BuildBulkSummary 按分类和账号统计；未分类计为 Uncategorized
func BuildBulkSummary(messages []*model.Message, now time.Time) Summary {
	s := Summary{
		Total:       len(messages),
		ByCategory:  make(map[string]int),
		ByAccount:   make(map[string]int),
		ProcessedAt: now.UTC(),
	}
	for _, m := range messages {
		s.ByCategory[m.LabelOrDefault(uncategorized)]++
		account := m.AccountEmail
		if account == "" {
			account = unknownAcct
		}
		s.ByAccount[account]++
	}
	return s
}

func interestedData(m *model.Message) InterestedData {
	var confidence float64
	if m.Enrichment != nil {
		confidence = m.Enrichment.Confidence
	}
	return InterestedData{
		EmailID:      m.ID,
		MessageID:    m.MessageID,
		From:         m.From,
		To:           m.To,
		Subject:      m.Subject,
		AccountEmail: m.AccountEmail,
		Date:         m.Date,
		Category:     m.LabelOrDefault(""),
		Confidence:   confidence,
		Preview:      truncate(m.Body.Text, 300),
		IsRead:       m.IsRead,
		Folder:       m.Folder,
	}
}

func categorizedData(m *model.Message) CategorizedData {
	var confidence float64
	if m.Enrichment != nil {
		confidence = m.Enrichment.Confidence
	}
	return CategorizedData{
		ID:         m.ID,
		Subject:    m.Subject,
		From:       m.From.Address,
		Category:   m.LabelOrDefault(""),
		Confidence: confidence,
		Account:    m.AccountEmail,
	}
}

func interestedSlackMessage(m *model.Message, now time.Time) slackMessage {
	label := m.LabelOrDefault("Categorized")
	color, ok := categoryColors[model.Label(label)]
	if !ok {
		color = "#6c757d"
	}
	from := m.From.Address
	if m.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", m.From.Name, m.From.Address)
	}
	var confidence float64
	if m.Enrichment != nil {
		confidence = m.Enrichment.Confidence
	}

	return slackMessage{
		Text: fmt.Sprintf("New %s email received", label),
		Attachments: []slackAttachment{{
			Color: color,
			Title: fmt.Sprintf("New %s Email", label),
			Text:  m.Subject,
			Fields: []slackField{
				{Title: "From", Value: from, Short: true},
				{Title: "Account", Value: m.AccountEmail, Short: true},
				{Title: "Confidence", Value: fmt.Sprintf("%d%%", int(confidence*100+0.5)), Short: true},
				{Title: "Date", Value: m.Date.UTC().Format(time.RFC1123), Short: true},
				{Title: "Preview", Value: truncate(m.Body.Text, 200), Short: false},
			},
			Footer: slackFooter,
			Ts:     now.Unix(),
		}},
		Username:  "Onebox",
		IconEmoji: ":email:",
	}
}

func bulkSlackMessage(s Summary) slackMessage {
	return slackMessage{
		Text: "Bulk Email Processing Summary",
		Attachments: []slackAttachment{{
			Color: "#36a64f",
			Title: fmt.Sprintf("Processed %d emails", s.Total),
			Fields: []slackField{
				{Title: "By Category", Value: formatCounts(s.ByCategory), Short: true},
				{Title: "By Account", Value: formatCounts(s.ByAccount), Short: true},
			},
			Footer: slackFooter,
			Ts:     s.ProcessedAt.Unix(),
		}},
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
