// Package events публикует события жизненного цикла заказов в RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Exchange задаёт topic-обменник событий магазина.
const Exchange = "orders"

// Ключи маршрутизации событий.
const (
	KeyOrderPurchased     = "order.purchased"
	KeyOrderRenewed       = "order.renewed"
	KeyOrderRehabilitated = "order.rehabilitated"
	KeyCreditRecharged    = "credit.recharged"
)

// Event описывает сообщение о событии. Поля, не относящиеся к событию, остаются пустыми.
type Event struct {
	Key        string    `json:"type"`
	UserID     string    `json:"user_id"`
	OrderID    string    `json:"order_id,omitempty"`
	ProductID  string    `json:"product_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Balance    int64     `json:"balance"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher отправляет события.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Channel описывает часть *amqp.Channel, нужную издателю.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher публикует события в durable topic-обменник. Канал AMQP не потокобезопасен,
// поэтому публикации сериализуются.
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   Channel
}

// NewAMQPPublisher подключается к брокеру, делая retries попыток с паузой delay.
func NewAMQPPublisher(url string, retries int, delay time.Duration) (*AMQPPublisher, error) {
	const op = "events.NewAMQPPublisher"

	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < retries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		time.Sleep(delay)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p, err := newPublisher(ch)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch Channel) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{ch: ch}, nil
}

// Publish отправляет событие как persistent JSON-сообщение.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	const op = "events.Publish"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(
		Exchange,
		e.Key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.OccurredAt,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Nop отбрасывает события.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = Nop{}
)
