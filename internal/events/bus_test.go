package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversByPartition(t *testing.T) {
	bus := NewBus()

	var got0, got1 []Notice
	bus.Subscribe(0, func(n Notice) { got0 = append(got0, n) })
	bus.Subscribe(1, func(n Notice) { got1 = append(got1, n) })

	bus.Publish(Notice{Partition: 0, Seq: 1})
	bus.Publish(Notice{Partition: 1, Seq: 2})
	bus.Publish(Notice{Partition: 0, Seq: 3})
	bus.Publish(Notice{Partition: 7, Seq: 4})

	assert.Equal(t, []Notice{{0, 1}, {0, 3}}, got0)
	assert.Equal(t, []Notice{{1, 2}}, got1)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Notice{Partition: 0, Seq: 1}) })
}

func TestWakeCoalesces(t *testing.T) {
	ch := make(chan struct{}, 1)
	h := Wake(ch)

	h(Notice{Seq: 1})
	h(Notice{Seq: 2}) // must not block on a full channel
	h(Notice{Seq: 3})

	assert.Len(t, ch, 1)
	<-ch
	assert.Len(t, ch, 0)
}

func TestChangeOpRoundTrip(t *testing.T) {
	for _, op := range []ChangeOp{OpInsert, OpModify} {
		assert.Equal(t, op, ParseChangeOp(op.String()))
	}
	assert.Equal(t, OpUnknown, ParseChangeOp("REMOVE"))
	assert.Equal(t, "UNKNOWN", OpUnknown.String())
}
