package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

func recordKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset)
}

func commitKeys(records []*kgo.Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, recordKey(r.Topic, r.Partition, r.Offset))
	}
	sort.Strings(keys)
	return keys
}

// A handler failure must stop commits for that partition at the last
// successful offset, or the failed settlement event would be lost on restart.
func TestProcessRecordsHoldsOffsetOnHandlerFailure(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	consumer.handlers["gateway.payment_events"] = func(_ context.Context, msg Message) error {
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("charge ledger unavailable")
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "gateway.payment_events", Partition: 0, Offset: 0},
		{Topic: "gateway.payment_events", Partition: 0, Offset: 1}, // fails
		{Topic: "gateway.payment_events", Partition: 0, Offset: 2}, // must not be processed
		{Topic: "gateway.payment_events", Partition: 1, Offset: 0},
	}

	got := commitKeys(consumer.processRecords(context.Background(), records))
	want := []string{
		recordKey("gateway.payment_events", 0, 0),
		recordKey("gateway.payment_events", 1, 0),
	}

	if len(got) != len(want) {
		t.Fatalf("committed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("committed %v, want %v", got, want)
		}
	}
}

// Messages on topics without a handler are committed so they are not replayed
// forever.
func TestProcessRecordsCommitsUnhandledTopics(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	records := []*kgo.Record{
		{Topic: "gateway.refund_events", Partition: 0, Offset: 7},
	}

	got := commitKeys(consumer.processRecords(context.Background(), records))
	if len(got) != 1 || got[0] != recordKey("gateway.refund_events", 0, 7) {
		t.Fatalf("committed %v, want the unhandled record", got)
	}
}
