package kafka

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBrokers      = "localhost:9092"
	DefaultTaskDispatchTopic = "ansible_execution_requests"
	DefaultTaskResultTopic   = "ansible_execution_results"
)

// Producer is the narrow writer surface the executors depend on, so tests
// can substitute a mock for a real Kafka writer.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Brokers returns the configured broker list.
func Brokers() []string {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	return strings.Split(kafkaBrokers, ",")
}

// NewDispatchProducer builds the writer for the playbook dispatch topic.
func NewDispatchProducer() *kafka.Writer {
	topic := os.Getenv("TASK_DISPATCH_TOPIC")
	if topic == "" {
		topic = DefaultTaskDispatchTopic
	}
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      Brokers(),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Dispatch producer configured for topic: %s", topic)
	return producer
}

// NewResultProducer builds the writer for the execution result topic.
func NewResultProducer() *kafka.Writer {
	topic := os.Getenv("TASK_RESULT_TOPIC")
	if topic == "" {
		topic = DefaultTaskResultTopic
	}
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      Brokers(),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Result producer configured for topic: %s", topic)
	return producer
}
