// Package kafka exports the event log's change feed to a Kafka topic and
// reads it back as a consumer feed, so broadcaster nodes can run apart from
// the node that owns the log.
package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/charleschow/sports-stream/internal/events"
)

const headerOp = "op"

// changeEnvelope is the wire format of one change-feed entry.
type changeEnvelope struct {
	Seq       int64         `json:"seq"`
	Partition int           `json:"partition"`
	Op        string        `json:"op"`
	Record    events.Record `json:"record"`
}

// EncodeChange keys the message by record id so every write to one record
// lands in the same Kafka partition and keeps its order.
func EncodeChange(ch events.Change) (kafka.Message, error) {
	value, err := json.Marshal(changeEnvelope{
		Seq:       ch.Seq,
		Partition: ch.Partition,
		Op:        ch.Op.String(),
		Record:    ch.Record,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal change %d: %w", ch.Seq, err)
	}
	return kafka.Message{
		Key:   []byte(ch.Record.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerOp, Value: []byte(ch.Op.String())},
		},
	}, nil
}

func DecodeChange(msg kafka.Message) (events.Change, error) {
	var env changeEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return events.Change{}, fmt.Errorf("unmarshal change at %s/%d@%d: %w",
			msg.Topic, msg.Partition, msg.Offset, err)
	}
	if env.Record.ID == "" {
		env.Record.ID = string(msg.Key)
	}
	return events.Change{
		Seq:       env.Seq,
		Partition: env.Partition,
		Op:        events.ParseChangeOp(env.Op),
		Record:    env.Record,
	}, nil
}

func offsetLabel(msg kafka.Message) string {
	return strconv.Itoa(msg.Partition) + "@" + strconv.FormatInt(msg.Offset, 10)
}
