package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"sipproxy-server/pkg/cdr"
)

// AMQPConfig holds AMQP client configuration.
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
	Durable      bool
}

// AMQPClient publishes finalized CDR rows to a broker so billing and
// analytics consumers see them without scraping CSV files. Entirely
// optional; the proxy runs fine without a broker.
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
}

// NewAMQPClient creates a client. Connect dials the broker up front;
// PublishCDR also connects on demand when the client is not connected.
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	config.Durable = true
	return &AMQPClient{logger: logger, config: config}
}

// Connect establishes the connection and declares the queue.
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("dial AMQP broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open AMQP channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true

	go c.watchClose()

	c.logger.WithFields(logrus.Fields{
		"queue": c.config.QueueName,
	}).Info("AMQP client connected")
	return nil
}

// watchClose marks the client disconnected when the broker goes away;
// the next publish attempt reconnects.
func (c *AMQPClient) watchClose() {
	errChan := make(chan *amqp.Error, 1)
	c.connMutex.RLock()
	conn := c.conn
	c.connMutex.RUnlock()
	if conn == nil {
		return
	}
	conn.NotifyClose(errChan)
	if err := <-errChan; err != nil {
		c.logger.WithError(err).Warning("AMQP connection closed")
	}
	c.connMutex.Lock()
	c.connected = false
	c.connMutex.Unlock()
}

// PublishCDR sends one row as a JSON message. Implements the CDR
// recorder's Publisher interface.
func (c *AMQPClient) PublishCDR(row cdr.Row) error {
	c.connMutex.RLock()
	connected := c.connected
	channel := c.channel
	c.connMutex.RUnlock()

	if !connected {
		if err := c.Connect(); err != nil {
			return err
		}
		c.connMutex.RLock()
		channel = c.channel
		c.connMutex.RUnlock()
	}

	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal CDR row: %w", err)
	}

	err = channel.Publish(
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish CDR row: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"call_id":     row["call_id"],
		"record_type": row["record_type"],
	}).Debug("CDR row published")
	return nil
}

// Close shuts the connection down.
func (c *AMQPClient) Close() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
}
