package twine_test

import (
	"testing"

	"github.com/deavmi/twine"
	"github.com/deavmi/twine/link/dummy"
)

func TestLinkManagerAddRemoveBindsSingleReceiver(t *testing.T) {
	rx := &recordingReceiver{}
	lm := twine.NewLinkManager(rx)

	a := dummy.New("a")
	defer a.Close()
	b := dummy.New("b")
	defer b.Close()
	dummy.Connect(a, b)

	lm.AddLink(b)

	if got := lm.Links(); len(got) != 1 || got[0] != twine.Link(b) {
		t.Fatalf("unexpected links snapshot: %v", got)
	}

	if err := a.Broadcast([]byte("hi")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, func() bool { return rx.count() == 1 })

	lm.RemoveLink(b)
	if got := lm.Links(); len(got) != 0 {
		t.Fatalf("expected no links after remove, got %v", got)
	}

	if err := a.Broadcast([]byte("bye")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitForDuration()
	if got := rx.count(); got != 1 {
		t.Fatalf("receiver still bound after RemoveLink: count = %d, want 1", got)
	}
}

func TestLinkManagerSnapshotIsACopy(t *testing.T) {
	rx := &recordingReceiver{}
	lm := twine.NewLinkManager(rx)

	a := dummy.New("a")
	defer a.Close()
	lm.AddLink(a)

	snap := lm.Links()
	snap[0] = nil

	if got := lm.Links(); got[0] == nil {
		t.Fatal("mutating a snapshot must not affect the manager's internal state")
	}
}
