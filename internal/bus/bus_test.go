package bus

import (
	"testing"

	"github.com/haricheung/model-search/internal/types"
)

// ── Publish ──

func TestPublishDeliversToSubscriberOfType(t *testing.T) {
	b := New()
	ch := b.Subscribe(types.MsgChampionSet)
	b.Publish(types.Message{Type: types.MsgChampionSet, From: types.RoleBranch})
	select {
	case m := <-ch:
		if m.From != types.RoleBranch {
			t.Errorf("expected from=B, got %q", m.From)
		}
	default:
		t.Fatal("expected message on subscriber channel")
	}
}

func TestPublishSkipsSubscribersOfOtherTypes(t *testing.T) {
	b := New()
	ch := b.Subscribe(types.MsgTreeComplete)
	b.Publish(types.Message{Type: types.MsgChampionSet})
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %v", m.Type)
	default:
	}
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := New()
	tap := b.NewTap()
	b.Publish(types.Message{Type: types.MsgStageAdvanced})
	m := <-tap
	if m.ID == "" {
		t.Error("expected generated id")
	}
	if m.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

// ── Taps ──

func TestEveryTapReceivesEveryMessage(t *testing.T) {
	b := New()
	t1, t2 := b.NewTap(), b.NewTap()
	b.Publish(types.Message{Type: types.MsgBranchCreated})
	b.Publish(types.Message{Type: types.MsgBranchRound})
	for i, tap := range []<-chan types.Message{t1, t2} {
		if len(tap) != 2 {
			t.Errorf("tap %d: expected 2 messages, got %d", i, len(tap))
		}
	}
}

func TestFullTapDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	tap := b.NewTap()
	for i := 0; i < tapBufSize+10; i++ {
		b.Publish(types.Message{Type: types.MsgBranchRound})
	}
	if len(tap) != tapBufSize {
		t.Errorf("expected %d buffered, got %d", tapBufSize, len(tap))
	}
}

// ── Close ──

func TestCloseClosesTaps(t *testing.T) {
	b := New()
	tap := b.NewTap()
	b.Close()
	if _, ok := <-tap; ok {
		t.Error("expected closed tap")
	}
	// publishing and closing again after close are no-ops
	b.Publish(types.Message{Type: types.MsgBranchRound})
	b.Close()
}
