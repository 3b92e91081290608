package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

func event(topic string, seq uint64) []byte {
	return []byte(fmt.Sprintf(`{"type":"event","topic":%q,"seq":%d}`, topic, seq))
}

func popAll(t *testing.T, q *Queue) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		data, ok := q.Pop()
		if !ok {
			return out
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		out = append(out, env)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(4)
	for i := uint64(1); i <= 3; i++ {
		if r := q.PushEvent("incident:1", i, event("incident:1", i), DropOldest); r != Enqueued {
			t.Fatalf("push %d = %v, want enqueued", i, r)
		}
	}

	frames := popAll(t, q)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestQueue_DropOldestRecordsGap(t *testing.T) {
	q := New(2)
	q.PushEvent("incident:1", 1, event("incident:1", 1), DropOldest)
	q.PushEvent("incident:1", 2, event("incident:1", 2), DropOldest)

	if r := q.PushEvent("incident:1", 3, event("incident:1", 3), DropOldest); r != EnqueuedWithDrop {
		t.Fatalf("push 3 = %v, want enqueued_with_drop", r)
	}
	if r := q.PushEvent("incident:1", 4, event("incident:1", 4), DropOldest); r != EnqueuedWithDrop {
		t.Fatalf("push 4 = %v, want enqueued_with_drop", r)
	}

	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	if q.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", q.Dropped())
	}

	frames := popAll(t, q)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want gap + 2 events", len(frames))
	}
	gap := frames[0]
	if gap.Type != protocol.TypeGap || gap.FromSeq != 1 || gap.ToSeq != 2 {
		t.Errorf("gap frame = %+v, want gap 1..2", gap)
	}
	if frames[1].Seq != 3 || frames[2].Seq != 4 {
		t.Errorf("events after gap = %d,%d, want 3,4", frames[1].Seq, frames[2].Seq)
	}
}

func TestQueue_GapsPerTopic(t *testing.T) {
	q := New(2)
	q.PushEvent("a", 1, event("a", 1), DropOldest)
	q.PushEvent("b", 7, event("b", 7), DropOldest)
	q.PushEvent("a", 2, event("a", 2), DropOldest) // evicts a:1
	q.PushEvent("a", 3, event("a", 3), DropOldest) // evicts b:7

	gaps := q.PendingGaps()
	if len(gaps) != 2 {
		t.Fatalf("PendingGaps() = %+v, want 2 gaps", gaps)
	}
	if gaps[0] != (Gap{Topic: "a", From: 1, To: 1}) || gaps[1] != (Gap{Topic: "b", From: 7, To: 7}) {
		t.Errorf("unexpected gaps %+v", gaps)
	}
}

func TestQueue_RejectWhenFull(t *testing.T) {
	q := New(1)
	q.PushEvent("t", 1, event("t", 1), RejectWhenFull)

	if r := q.PushEvent("t", 2, event("t", 2), RejectWhenFull); r != Full {
		t.Fatalf("push on full queue = %v, want full", r)
	}
	if q.Dropped() != 0 || len(q.PendingGaps()) != 0 {
		t.Error("reject mode must not evict or record gaps")
	}
}

func TestQueue_ControlFramesNeverEvicted(t *testing.T) {
	q := New(2)
	q.PushControl(protocol.EncodeAck(protocol.Command{ID: 1, Op: protocol.OpSubscribe, Topic: "t"}))
	q.PushEvent("t", 1, event("t", 1), DropOldest)

	// Evicts the event, keeps the ack.
	if r := q.PushControl(protocol.EncodePong(2)); r != EnqueuedWithDrop {
		t.Fatalf("control push = %v, want enqueued_with_drop", r)
	}
	// Only control frames left: nothing is evictable.
	if r := q.PushEvent("t", 2, event("t", 2), DropOldest); r != Full {
		t.Fatalf("event push = %v, want full", r)
	}

	frames := popAll(t, q)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want gap + ack + pong", len(frames))
	}
	if frames[0].Type != protocol.TypeGap || frames[1].Type != protocol.TypeAck || frames[2].Type != protocol.TypePong {
		t.Errorf("unexpected order: %s, %s, %s", frames[0].Type, frames[1].Type, frames[2].Type)
	}
}

func TestQueue_EvictionKeepsOrder(t *testing.T) {
	q := New(3)
	q.PushControl(protocol.EncodePong(1))
	q.PushControl(protocol.EncodePong(2))
	q.PushEvent("t", 5, event("t", 5), DropOldest)
	q.PushEvent("t", 6, event("t", 6), DropOldest) // evicts t:5, behind two pongs

	frames := popAll(t, q)
	want := []string{protocol.TypeGap, protocol.TypePong, protocol.TypePong, protocol.TypeEvent}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Type != want[i] {
			t.Errorf("frame %d type = %s, want %s", i, f.Type, want[i])
		}
	}
	if string(frames[1].ID) != "1" || string(frames[2].ID) != "2" {
		t.Errorf("pong order = %s,%s, want 1,2", frames[1].ID, frames[2].ID)
	}
	if frames[3].Seq != 6 {
		t.Errorf("surviving event seq = %d, want 6", frames[3].Seq)
	}
}

func TestQueue_Seal(t *testing.T) {
	q := New(2)
	q.PushEvent("t", 1, event("t", 1), DropOldest)

	if r := q.Seal(protocol.EncodeClosing(protocol.ReasonSlowConsumer)); r != Enqueued {
		t.Fatalf("Seal() = %v, want enqueued", r)
	}
	if r := q.PushEvent("t", 2, event("t", 2), DropOldest); r != Closed {
		t.Fatalf("push after seal = %v, want closed", r)
	}
	if !q.IsClosed() {
		t.Error("IsClosed() = false after Seal")
	}

	frames := popAll(t, q)
	if len(frames) != 2 || frames[1].Type != protocol.TypeClosing {
		t.Fatalf("expected event then closing, got %+v", frames)
	}
}

func TestQueue_ReadySignal(t *testing.T) {
	q := New(4)
	select {
	case <-q.Ready():
		t.Fatal("Ready fired on empty queue")
	default:
	}

	q.PushEvent("t", 1, event("t", 1), DropOldest)
	q.PushEvent("t", 2, event("t", 2), DropOldest)

	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready did not fire after push")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(64)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			topic := fmt.Sprintf("t%d", p)
			for i := uint64(1); i <= 100; i++ {
				q.PushEvent(topic, i, event(topic, i), DropOldest)
			}
		}(p)
	}
	wg.Wait()

	if q.Len() != 64 {
		t.Errorf("Len() = %d, want 64", q.Len())
	}
	if q.Dropped() != 800-64 {
		t.Errorf("Dropped() = %d, want %d", q.Dropped(), 800-64)
	}

	// Per topic, surviving events must still be strictly increasing.
	last := map[string]uint64{}
	for _, f := range popAll(t, q) {
		if f.Type != protocol.TypeEvent {
			continue
		}
		if f.Seq <= last[f.Topic] {
			t.Errorf("topic %s: seq %d after %d", f.Topic, f.Seq, last[f.Topic])
		}
		last[f.Topic] = f.Seq
	}
}
