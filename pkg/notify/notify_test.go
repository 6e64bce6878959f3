package notify

import "testing"

func TestSubscribeAndNotify(t *testing.T) {
	h := NewHub(nil)
	var got []string
	cancel := h.Subscribe("/participant", func(c string) { got = append(got, c) })
	defer cancel()

	h.Notify("/participant", "/thread")
	if len(got) != 1 || got[0] != "/participant" {
		t.Fatalf("got = %v, want [/participant]", got)
	}
}

func TestNotifyDeduplicates(t *testing.T) {
	h := NewHub(nil)
	calls := 0
	cancel := h.Subscribe("/message", func(string) { calls++ })
	defer cancel()

	h.Notify("/message", "/message", "/message")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 per distinct collection", calls)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	calls := 0
	cancel := h.Subscribe("/event", func(string) { calls++ })
	h.Notify("/event")
	cancel()
	h.Notify("/event")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExcludedFields(t *testing.T) {
	h := NewHub([]string{"network_id"})
	if !h.Excluded("network_id") {
		t.Fatalf("network_id should be excluded")
	}
	if h.Excluded("name") {
		t.Fatalf("name should not be excluded")
	}
}
