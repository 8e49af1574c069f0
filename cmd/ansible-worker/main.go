package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"vmops-console/internal/ansible"
	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/events"
	consolekafka "vmops-console/internal/console/kafka"
)

const DefaultWorkerGroupID = "ansible-worker-group"

func main() {
	log.Println("Starting Ansible Worker...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	dispatchTopic := os.Getenv("TASK_DISPATCH_TOPIC")
	if dispatchTopic == "" {
		dispatchTopic = consolekafka.DefaultTaskDispatchTopic
	}
	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		groupID = DefaultWorkerGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        consolekafka.Brokers(),
		GroupID:        groupID,
		Topic:          dispatchTopic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer reader.Close()

	producer := consolekafka.NewResultProducer()
	defer producer.Close()

	log.Printf("Ansible Worker consuming from topic %s, groupID %s", dispatchTopic, groupID)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-signals
		log.Printf("Ansible Worker: shutdown signal received (%s), cancelling context...", sig)
		cancel()
	}()

	log.Println("Ansible Worker listening for dispatches...")
	for {
		select {
		case <-ctx.Done():
			log.Println("Ansible Worker: context cancelled, exiting message loop.")
			return
		default:
			readCtx, readCancel := context.WithTimeout(ctx, 1*time.Second)
			m, err := reader.ReadMessage(readCtx)
			readCancel()
			if err == context.DeadlineExceeded {
				continue
			}
			if err == context.Canceled {
				continue
			}
			if err == io.EOF {
				log.Println("Ansible Worker: Kafka reader closed, exiting.")
				return
			}
			if err != nil {
				log.Printf("Ansible Worker: Kafka read error: %v. Retrying...", err)
				time.Sleep(1 * time.Second)
				continue
			}

			var dispatch events.PlaybookDispatch
			if err := json.Unmarshal(m.Value, &dispatch); err != nil {
				log.Printf("Ansible Worker: unmarshal error for dispatch: %v. Value: %s", err, string(m.Value))
				continue
			}
			log.Printf("Ansible Worker: received dispatch for history %d (%s)", dispatch.HistoryID, dispatch.TargetName)

			go executeDispatch(producer, dispatch)
		}
	}
}

func executeDispatch(producer *kafka.Writer, dispatch events.PlaybookDispatch) {
	runner := ansible.NewRunner()
	if dispatch.TimeoutSeconds > 0 {
		runner.Timeout = time.Duration(dispatch.TimeoutSeconds) * time.Second
	}

	started := time.Now()
	run, err := runner.RunPlaybook(dispatch.HistoryID, dispatch.InventoryContent, dispatch.PlaybookPath, dispatch.ExtraVarsJSON)
	duration := int(time.Since(started).Seconds())

	result := events.ExecutionResult{
		HistoryID:       dispatch.HistoryID,
		DurationSeconds: duration,
	}
	switch {
	case err != nil:
		log.Printf("Ansible Worker: history %d failed to run: %v", dispatch.HistoryID, err)
		result.Status = consoledb.HistoryStatusFailed
		result.Error = err.Error()
	case run.TimedOut:
		log.Printf("Ansible Worker: history %d timed out after %ds", dispatch.HistoryID, duration)
		result.Status = consoledb.HistoryStatusFailed
		result.Output = run.Output
		result.Error = fmt.Sprintf("Playbook execution timed out after %s", runner.Timeout)
	case run.Success:
		log.Printf("Ansible Worker: history %d completed successfully in %ds", dispatch.HistoryID, duration)
		result.Status = consoledb.HistoryStatusSuccess
		result.Output = run.Output
	default:
		log.Printf("Ansible Worker: history %d failed (exit code %d)", dispatch.HistoryID, run.ExitCode)
		result.Status = consoledb.HistoryStatusFailed
		result.Output = run.Output
		result.Error = fmt.Sprintf("Playbook failed (exit code %d)", run.ExitCode)
	}

	sendResult(producer, result)
}

func sendResult(producer *kafka.Writer, result events.ExecutionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("Ansible Worker: error marshalling result for history %d: %v", result.HistoryID, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", result.HistoryID)),
		Value: payload,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.WriteMessages(writeCtx, msg); err != nil {
		log.Printf("Ansible Worker: error sending result for history %d: %v", result.HistoryID, err)
		return
	}
	log.Printf("Ansible Worker: sent result for history %d (%s)", result.HistoryID, result.Status)
}
