package services

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/events"
	consolekafka "vmops-console/internal/console/kafka"
)

const DefaultResultGroupID = "vmops-console-results"

// ResultService consumes worker execution results and flips the matching
// pre-created history row terminal. Notifications for async runs fire here
// because the scheduler has long moved on by the time a result lands.
type ResultService struct {
	DB       *gorm.DB
	Reader   *kafka.Reader
	Notifier Notifier
}

func NewResultService(gormDB *gorm.DB, notifier Notifier) *ResultService {
	topic := os.Getenv("TASK_RESULT_TOPIC")
	if topic == "" {
		topic = consolekafka.DefaultTaskResultTopic
	}
	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		groupID = DefaultResultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        consolekafka.Brokers(),
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	log.Printf("[RESULT] Kafka consumer configured for topic %s, groupID %s", topic, groupID)
	return &ResultService{DB: gormDB, Reader: reader, Notifier: notifier}
}

func (s *ResultService) StartConsuming(ctx context.Context) {
	log.Println("[RESULT] Starting to consume execution results...")
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Println("[RESULT] Context cancelled, stopping consumer.")
				return
			default:
				readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				msg, err := s.Reader.ReadMessage(readCtx)
				cancel()

				if err == context.DeadlineExceeded {
					continue
				}
				if err == context.Canceled {
					log.Println("[RESULT] Read context cancelled.")
					return
				}
				if err == io.EOF {
					log.Println("[RESULT] Kafka reader closed, stopping consumption.")
					return
				}
				if err != nil {
					log.Printf("[RESULT] Error reading message: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}

				var result events.ExecutionResult
				if err := json.Unmarshal(msg.Value, &result); err != nil {
					log.Printf("[RESULT] Error unmarshalling execution result: %v. Value: %s", err, string(msg.Value))
					continue
				}
				s.ApplyResult(&result)
			}
		}
	}()
}

// ApplyResult updates the pre-created history row in place. Unknown
// history ids are logged and dropped; the worker retries nothing.
func (s *ResultService) ApplyResult(result *events.ExecutionResult) {
	var history consoledb.ScheduledTaskHistory
	if err := s.DB.First(&history, result.HistoryID).Error; err != nil {
		log.Printf("[RESULT] History row %d not found for incoming result: %v", result.HistoryID, err)
		return
	}
	if history.Status != consoledb.HistoryStatusRunning {
		log.Printf("[RESULT] History row %d already terminal (%s), ignoring duplicate result", history.ID, history.Status)
		return
	}

	status := consoledb.HistoryStatusSuccess
	if result.Status != consoledb.HistoryStatusSuccess {
		status = consoledb.HistoryStatusFailed
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":           status,
		"output":           result.Output,
		"error_message":    result.Error,
		"duration_seconds": result.DurationSeconds,
		"completed_at":     now,
	}
	if err := s.DB.Model(&history).Updates(updates).Error; err != nil {
		log.Printf("[RESULT] Failed to update history row %d: %v", history.ID, err)
		return
	}
	log.Printf("[RESULT] History row %d updated to %s (duration %ds)", history.ID, status, result.DurationSeconds)

	if s.Notifier != nil {
		var task consoledb.ScheduledTask
		if err := s.DB.First(&task, history.ScheduledTaskID).Error; err == nil {
			history.Status = status
			history.Output = result.Output
			history.ErrorMessage = result.Error
			history.DurationSeconds = result.DurationSeconds
			history.CompletedAt = &now
			go s.Notifier.TaskExecuted(&task, &history)
		}
	}
}

func (s *ResultService) Close() {
	if s.Reader != nil {
		log.Println("[RESULT] Closing Kafka reader.")
		_ = s.Reader.Close()
	}
}
