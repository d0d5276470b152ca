package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

// Event is the MQ envelope for an archived chat frame. Consumers own the
// durable write; treat this as a contract and version it on breaking changes.
type Event struct {
	Event      string          `json:"event"`
	TS         int64           `json:"ts"` // unix millis
	MsgID      int64           `json:"msg_id"`
	ConvID     string          `json:"conv_id"`
	Sender     string          `json:"sender"`
	Recipient  string          `json:"recipient"`
	Ciphertext json.RawMessage `json:"ciphertext"`
}

type MQSettings struct {
	NameServer string
	Topic      string
	Tag        string
	Group      string
	AccessKey  string
	SecretKey  string
}

// MQPublisher hands history writes to RocketMQ. It cannot answer range
// queries.
type MQPublisher struct {
	cfg MQSettings
	p   rmq.Producer
	ids IDSource
}

func NewMQPublisher(cfg MQSettings, ids IDSource) (*MQPublisher, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing producer group")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("rocketmq: missing topic")
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(2),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &MQPublisher{cfg: cfg, p: prd, ids: ids}, nil
}

func (m *MQPublisher) Append(ctx context.Context, sender, recipient string, ciphertext json.RawMessage) error {
	id, err := m.ids.Next()
	if err != nil {
		return err
	}
	b, err := json.Marshal(Event{
		Event:      "relay_chat",
		TS:         time.Now().UnixMilli(),
		MsgID:      id,
		ConvID:     ConvID(sender, recipient),
		Sender:     sender,
		Recipient:  recipient,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return err
	}
	msg := primitive.NewMessage(m.cfg.Topic, b)
	if m.cfg.Tag != "" {
		msg.WithTag(m.cfg.Tag)
	}
	msg.WithKeys([]string{ConvID(sender, recipient)})
	_, err = m.p.SendSync(ctx, msg)
	return err
}

func (m *MQPublisher) RangeQuery(context.Context, string, string, int64, int) ([]Record, error) {
	return nil, ErrUnsupported
}

func (m *MQPublisher) Close() error {
	if m.p != nil {
		return m.p.Shutdown()
	}
	return nil
}
