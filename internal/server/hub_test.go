package server

import (
	"testing"
	"time"
)

func receiveWithin(t *testing.T, member *subscriber, timeout time.Duration) []byte {
	t.Helper()
	select {
	case frame := <-member.stream:
		return frame
	case <-time.After(timeout):
		t.Fatalf("expected frame for %s within %v", member.id, timeout)
		return nil
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	sender := newSubscriber("c1", 4)
	peer := newSubscriber("c2", 4)
	hub.Join("n1", sender)
	hub.Join("n1", peer)

	delivered, dropped := hub.Broadcast("n1", []byte("edit"), sender.id)
	if delivered != 1 || dropped != 0 {
		t.Fatalf("unexpected broadcast result delivered=%d dropped=%d", delivered, dropped)
	}
	if got := string(receiveWithin(t, peer, 100*time.Millisecond)); got != "edit" {
		t.Fatalf("unexpected frame %q", got)
	}
	select {
	case frame := <-sender.stream:
		t.Fatalf("sender should not receive its own frame, got %q", frame)
	default:
	}
}

func TestHubIsolatesGroups(t *testing.T) {
	hub := NewHub()
	first := newSubscriber("c1", 4)
	second := newSubscriber("c2", 4)
	hub.Join("n1", first)
	hub.Join("n2", second)

	hub.Broadcast("n2", []byte("presence"), "")

	select {
	case <-first.stream:
		t.Fatal("did not expect frame for unrelated note")
	default:
	}
	receiveWithin(t, second, 100*time.Millisecond)
}

func TestHubLeaveAllReturnsMemberships(t *testing.T) {
	hub := NewHub()
	member := newSubscriber("c1", 4)
	other := newSubscriber("c2", 4)
	hub.Join("n2", member)
	hub.Join("n1", member)
	hub.Join("n1", other)

	notes := hub.LeaveAll(member.id)
	if len(notes) != 2 || notes[0] != "n1" || notes[1] != "n2" {
		t.Fatalf("unexpected memberships %v", notes)
	}
	if members := hub.Members("n1"); len(members) != 1 || members[0] != "c2" {
		t.Fatalf("unexpected n1 members %v", members)
	}
	if members := hub.Members("n2"); len(members) != 0 {
		t.Fatalf("expected n2 group to be gone, got %v", members)
	}
	if notes := hub.LeaveAll(member.id); len(notes) != 0 {
		t.Fatalf("expected second LeaveAll to be empty, got %v", notes)
	}
}

func TestHubDropsFramesForFullQueues(t *testing.T) {
	hub := NewHub()
	slow := newSubscriber("slow", 1)
	hub.Join("n1", slow)

	if delivered, dropped := hub.Broadcast("n1", []byte("one"), ""); delivered != 1 || dropped != 0 {
		t.Fatalf("unexpected first broadcast delivered=%d dropped=%d", delivered, dropped)
	}
	if delivered, dropped := hub.Broadcast("n1", []byte("two"), ""); delivered != 0 || dropped != 1 {
		t.Fatalf("unexpected second broadcast delivered=%d dropped=%d", delivered, dropped)
	}
	if got := string(receiveWithin(t, slow, 100*time.Millisecond)); got != "one" {
		t.Fatalf("expected the first frame to survive, got %q", got)
	}
}

func TestHubLeaveRemovesSingleGroup(t *testing.T) {
	hub := NewHub()
	member := newSubscriber("c1", 4)
	hub.Join("n1", member)
	hub.Join("n2", member)

	hub.Leave("n1", member.id)

	if delivered, _ := hub.Broadcast("n1", []byte("x"), ""); delivered != 0 {
		t.Fatalf("expected no delivery after leave, got %d", delivered)
	}
	if members := hub.Members("n2"); len(members) != 1 {
		t.Fatalf("expected membership in n2 to survive, got %v", members)
	}
}
