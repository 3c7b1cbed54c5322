package notify

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/billoapp/tabz/internal/domain"
)

const tabsExchange = "tabs_topic"

// AMQPNotifier publishes state changes to a durable topic exchange. Routing
// key is tab.status.<venueID> so consumers can subscribe per venue.
type AMQPNotifier struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(tabsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPNotifier{conn: conn, ch: ch}, nil
}

func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

func (n *AMQPNotifier) TabStateChanged(ctx context.Context, change domain.StateChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, tabsExchange, "tab.status."+change.VenueID, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		Body:         body,
	})
}
