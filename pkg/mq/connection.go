package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts  = 5
	dialBaseDelay = time.Second
	heartbeat     = 10 * time.Second
)

const (
	ExchangeName = "onebox.events"
)

// Routing keys
const (
	RoutingAccountConnect     = "account.connect"
	RoutingAccountDisconnect  = "account.disconnect"
	RoutingEnrichmentSweep    = "enrichment.recategorize"
	RoutingNotificationReplay = "notification.replay"
	RoutingMessageInterested  = "message.interested"
	RoutingMessageEnriched    = "message.enriched"
)

// NewConnection 连接 RabbitMQ，启动时 broker 可能尚未就绪，失败按 1s、2s、4s... 重试
func NewConnection(url string) (*amqp091.Connection, error) {
	cfg := amqp091.Config{
		Heartbeat:  heartbeat,
		Properties: amqp091.Table{"connection_name": "onebox"},
	}

	var err error
	delay := dialBaseDelay
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		var conn *amqp091.Connection
		conn, err = amqp091.DialConfig(url, cfg)
		if err == nil {
			return conn, nil
		}
		if attempt < dialAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, err)
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}
