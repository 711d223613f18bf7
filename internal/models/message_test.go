package models

import "testing"

func TestConversationKeyIsSymmetric(t *testing.T) {
	if ConversationKey("alice", "bob") != ConversationKey("bob", "alice") {
		t.Fatal("conversation key should not depend on argument order")
	}
	if ConversationKey("alice", "bob") == ConversationKey("alice", "carol") {
		t.Fatal("different pairs should have different keys")
	}
}

func TestSortMessagesBreaksTiesByID(t *testing.T) {
	msgs := []Message{
		{ID: "c", Timestamp: 20},
		{ID: "b", Timestamp: 10},
		{ID: "a", Timestamp: 20},
	}
	SortMessages(msgs)

	want := []string{"b", "a", "c"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

func TestCounterpart(t *testing.T) {
	m := Message{From: "alice", To: "bob"}
	if got := m.Counterpart("alice"); got != "bob" {
		t.Fatalf("expected bob, got %s", got)
	}
	if got := m.Counterpart("bob"); got != "alice" {
		t.Fatalf("expected alice, got %s", got)
	}
}

func TestValidAddress(t *testing.T) {
	valid := []string{"alice", "bob@example.com", "agent-7", "x"}
	invalid := []string{"", "-alice", "a|b", "has space", "../etc"}

	for _, a := range valid {
		if !ValidAddress(a) {
			t.Errorf("expected %q to be valid", a)
		}
	}
	for _, a := range invalid {
		if ValidAddress(a) {
			t.Errorf("expected %q to be invalid", a)
		}
	}
}
