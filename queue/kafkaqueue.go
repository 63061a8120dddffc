package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	LOG "github.com/vinllen/log4go"
)

// KafkaQueue is an UpstreamQueue backed by a Kafka topic instead of a live
// oplog cursor: same consumer/partition shape tunnel/kafka_writer.go uses to
// produce onto Kafka, run here in reverse as a *source* adapter. Lets this
// engine sit behind a Kafka-relayed oplog stream rather than talking to
// mongod directly.
type KafkaQueue struct {
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer

	mu       sync.Mutex
	buffered *retEntry

	shutdownMu sync.Mutex
	shutdown   bool
}

func NewKafkaQueue(brokers []string, topic string, partition int32, startOffset int64) (*KafkaQueue, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	pc, err := consumer.ConsumePartition(topic, partition, startOffset)
	if err != nil {
		consumer.Close()
		return nil, err
	}

	q := &KafkaQueue{consumer: consumer, pc: pc}
	go q.drainErrors()
	return q, nil
}

func (q *KafkaQueue) drainErrors() {
	for err := range q.pc.Errors() {
		LOG.Warn("KafkaQueue: partition consumer error: %v", err)
	}
}

func (q *KafkaQueue) Peek(ctx context.Context) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buffered != nil {
		return q.buffered.raw, true
	}

	select {
	case msg, ok := <-q.pc.Messages():
		if !ok {
			return nil, false
		}
		q.buffered = &retEntry{raw: msg.Value}
		return msg.Value, true
	default:
		return nil, false
	}
}

func (q *KafkaQueue) Consume(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffered = nil
}

func (q *KafkaQueue) WaitForMore(ctx context.Context) {
	select {
	case msg, ok := <-q.pc.Messages():
		if ok {
			q.mu.Lock()
			q.buffered = &retEntry{raw: msg.Value}
			q.mu.Unlock()
		}
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}

func (q *KafkaQueue) InShutdown() bool {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	return q.shutdown
}

func (q *KafkaQueue) Shutdown() {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	q.shutdown = true
	q.pc.Close()
	q.consumer.Close()
}
