package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	consoledb "vmops-console/internal/console/db"
)

// Teams rejects MessageCard payloads above 28KB.
const maxPayloadBytes = 28000

const defaultThemeColor = "0078D4"

// MessageCard is the legacy Teams webhook payload.
type MessageCard struct {
	Type             string        `json:"@type"`
	Context          string        `json:"@context"`
	Summary          string        `json:"summary"`
	ThemeColor       string        `json:"themeColor"`
	Title            string        `json:"title"`
	Text             string        `json:"text"`
	ActivityTitle    string        `json:"activityTitle"`
	ActivitySubtitle string        `json:"activitySubtitle"`
	Sections         []CardSection `json:"sections,omitempty"`
}

type CardSection struct {
	Facts []CardFact `json:"facts"`
}

type CardFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TeamsNotifier fans scheduled task outcomes out to every configured
// webhook. It never returns errors to the caller; delivery problems are
// logged and swallowed so notification trouble cannot fail a task.
type TeamsNotifier struct {
	DB     *gorm.DB
	Client *http.Client
}

func NewTeamsNotifier(gormDB *gorm.DB) *TeamsNotifier {
	return &TeamsNotifier{
		DB:     gormDB,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// TaskExecuted sends one card per interested webhook for a terminal run.
func (n *TeamsNotifier) TaskExecuted(task *consoledb.ScheduledTask, history *consoledb.ScheduledTaskHistory) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[NOTIFY] Recovered from panic while notifying for task %d: %v", task.ID, r)
		}
	}()

	var webhooks []consoledb.TeamsWebhook
	if err := n.DB.Where("active = ? AND notify_scheduled_tasks = ?", true, true).Find(&webhooks).Error; err != nil {
		log.Printf("[NOTIFY] Failed to load webhooks: %v", err)
		return
	}

	card := BuildTaskCard(task, history)
	for i := range webhooks {
		webhook := &webhooks[i]
		if webhook.NotifyFailuresOnly && history.Status == consoledb.HistoryStatusSuccess {
			continue
		}
		if err := n.post(webhook.URL, card); err != nil {
			log.Printf("[NOTIFY] Webhook %q delivery failed: %v", webhook.Name, err)
			continue
		}
		log.Printf("[NOTIFY] Webhook %q notified for task %d (%s)", webhook.Name, task.ID, history.Status)
	}
}

// BuildTaskCard renders the MessageCard for one execution outcome.
func BuildTaskCard(task *consoledb.ScheduledTask, history *consoledb.ScheduledTaskHistory) MessageCard {
	color := defaultThemeColor
	emoji := "📋"
	switch history.Status {
	case consoledb.HistoryStatusSuccess:
		color = "28A745"
		emoji = "✅"
	case consoledb.HistoryStatusFailed:
		color = "DC3545"
		emoji = "❌"
	case consoledb.HistoryStatusRunning:
		color = "FFC107"
		emoji = "⏳"
	}

	title := fmt.Sprintf("%s Scheduled Task %s", emoji, titleCase(history.Status))
	text := fmt.Sprintf("Scheduled task **%s** finished with status %s", task.Name, history.Status)

	facts := []CardFact{
		{Name: "Task", Value: task.Name},
		{Name: "Target", Value: factValue(history.TargetName)},
		{Name: "IP Address", Value: factValue(history.TargetIP)},
		{Name: "Payload", Value: factValue(history.PlaybookName)},
		{Name: "Environment", Value: factValue(history.EnvironmentName)},
		{Name: "Status", Value: titleCase(history.Status)},
		{Name: "Scheduled for", Value: history.ScheduledFor.Format("2006-01-02 15:04:05")},
		{Name: "Executed at", Value: history.ExecutedAt.Format("2006-01-02 15:04:05")},
	}
	if history.CompletedAt != nil {
		facts = append(facts, CardFact{Name: "Duration", Value: fmt.Sprintf("%ds", history.DurationSeconds)})
	}
	if history.ErrorMessage != "" {
		facts = append(facts, CardFact{Name: "Error", Value: history.ErrorMessage})
	}

	return MessageCard{
		Type:             "MessageCard",
		Context:          "https://schema.org/extensions",
		Summary:          title,
		ThemeColor:       color,
		Title:            title,
		Text:             text,
		ActivityTitle:    "VM Operations Console",
		ActivitySubtitle: "Automated Notification",
		Sections:         []CardSection{{Facts: facts}},
	}
}

func (n *TeamsNotifier) post(url string, card MessageCard) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), maxPayloadBytes)
	}

	resp, err := n.Client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func factValue(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
