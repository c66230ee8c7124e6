// Package kafka publishes harvested documents to a Kafka topic, one message
// per document keyed by its natural key. Pointing a log-compacted topic at
// it gives downstream consumers the same idempotence the database stores
// get from their unique index.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// ProducerConfig describes the cluster and client identity.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// ConnectTimeout bounds how long startup keeps retrying the cluster.
	ConnectTimeout time.Duration
}

// NewSaramaConfig is the producer configuration every harvester uses: acks
// from all replicas, successes returned for SyncProducer, hash partitioning
// so a key always lands on one partition.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Retry.Max = 3

	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectProducer creates a SyncProducer, retrying with exponential backoff
// while the cluster is unreachable.
func ConnectProducer(cfg ProducerConfig) (sarama.SyncProducer, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	if expBackoff.MaxElapsedTime <= 0 {
		expBackoff.MaxElapsedTime = time.Minute
	}

	var producer sarama.SyncProducer
	operation := func() error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		producer = p
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return producer, nil
}
