package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"shelftag/internal/config"
	"shelftag/internal/logging"
)

// Kafka publishes snapshots to a Kafka topic and reads START/STOP from the
// control topic. A background dial probe stands in for a connect
// handshake.
type Kafka struct {
	cfg     config.LinkConfig
	brokers []string
	gate    *gate
	logger  *slog.Logger
	counters

	writer *kafka.Writer
	dial   func(ctx context.Context, network, addr string) error

	ctx    context.Context
	cancel context.CancelFunc

	connected  atomic.Bool
	probing    atomic.Bool
	readerOnce sync.Once
	wg         sync.WaitGroup
}

func NewKafka(cfg config.LinkConfig, logger *slog.Logger) *Kafka {
	logger = logging.Component(logger, "link")
	brokers := brokerAddrs(cfg.Brokers)
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kafka{
		cfg:     cfg,
		brokers: brokers,
		gate:    newGate(cfg.StartEnabled, logger),
		logger:  logger,
		dial:    dialKafka,
		ctx:     ctx,
		cancel:  cancel,
	}
	// Async: WriteMessages returns once the message is queued; delivery
	// results arrive in complete. Failed batches are not retried.
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            1,
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.PublishTimeout,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             k.complete,
	}
	return k
}

func dialKafka(ctx context.Context, network, addr string) error {
	conn, err := kafka.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// brokerAddrs strips URL schemes so the MQTT-style defaults also work as
// Kafka bootstrap addresses.
func brokerAddrs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if i := strings.Index(b, "://"); i >= 0 {
			b = b[i+3:]
		}
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) TryConnect() {
	if k.connected.Load() || !k.probing.CompareAndSwap(false, true) {
		return
	}
	k.attempts.Add(1)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer k.probing.Store(false)
		if err := k.probe(); err != nil {
			k.connectFailures.Add(1)
			k.logger.Warn("kafka brokers unreachable", "brokers", k.brokers, "err", err)
			return
		}
		k.connects.Add(1)
		k.connected.Store(true)
		k.logger.Info("kafka brokers reachable", "brokers", k.brokers)
		k.readerOnce.Do(k.startControlReader)
		if k.cfg.Topics.Status != "" {
			if err := k.write(k.cfg.Topics.Status, []byte(StatusReady)); err != nil {
				k.logger.Warn("kafka status publish failed", "err", err)
			}
		}
	}()
}

func (k *Kafka) probe() error {
	ctx, cancel := context.WithTimeout(k.ctx, k.cfg.ConnectTimeout)
	defer cancel()
	var errs []error
	for _, b := range k.brokers {
		err := k.dial(ctx, "tcp", b)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return errors.Join(errs...)
}

func (k *Kafka) startControlReader() {
	if k.cfg.Topics.Control == "" {
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.cfg.Topics.Control,
		GroupID:     k.cfg.ControlGroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(k.ctx)
			if err != nil {
				if k.ctx.Err() != nil {
					return
				}
				k.logger.Warn("kafka control read error", "err", err)
				continue
			}
			k.gate.offer(m.Value)
		}
	}()
}

func (k *Kafka) Connected() bool { return k.connected.Load() }

func (k *Kafka) Service() { k.gate.service() }

func (k *Kafka) Started() bool { return k.gate.started.Load() }

// Publish queues one message. Only the topic metadata lookup can block,
// and only until the first successful lookup or PublishTimeout. A failed
// write, now or later in complete, marks the link down so the next attempt
// goes through the reconnect interval.
func (k *Kafka) Publish(payload []byte) error {
	if !k.connected.Load() {
		return ErrNotConnected
	}
	if err := k.write(k.cfg.Topics.Data, payload); err != nil {
		k.publishFailures.Add(1)
		k.connected.Store(false)
		return err
	}
	return nil
}

func (k *Kafka) write(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(k.ctx, k.cfg.PublishTimeout)
	defer cancel()
	// the writer keeps the slice until delivery; the caller reuses its buffer
	msg := kafka.Message{Topic: topic, Value: bytes.Clone(payload)}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// complete receives the outcome of every asynchronous batch.
func (k *Kafka) complete(messages []kafka.Message, err error) {
	var data int
	for _, m := range messages {
		if m.Topic == k.cfg.Topics.Data {
			data++
		}
	}
	if err != nil {
		k.logger.Warn("kafka delivery failed", "messages", len(messages), "err", err)
		if data > 0 {
			k.publishFailures.Add(uint64(data))
			k.connected.Store(false)
		}
		return
	}
	k.published.Add(uint64(data))
}

func (k *Kafka) Stats() Stats {
	st := Stats{Driver: k.Name(), Connected: k.connected.Load()}
	k.counters.fill(&st)
	k.gate.fill(&st)
	return st
}

func (k *Kafka) Close() error {
	k.cancel()
	k.wg.Wait()
	return k.writer.Close()
}
