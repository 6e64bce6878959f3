package query

import (
	"encoding/json"
	"errors"
	"testing"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func putRow(t *testing.T, s *store.Store, table string, id int64, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := s.InsertRow(table, id, b); err != nil {
		t.Fatalf("insert %s/%d: %v", table, id, err)
	}
}

func target(t *testing.T, path string) *address.Target {
	t.Helper()
	tgt, err := address.Resolve(path)
	if err != nil {
		t.Fatalf("resolve %s: %v", path, err)
	}
	return tgt
}

func rowIDs(t *testing.T, page *Page) []int64 {
	t.Helper()
	var ids []int64
	for _, raw := range page.Rows {
		var m struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func seedMessages(t *testing.T, s *store.Store, n int) {
	t.Helper()
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadP2P, Peer: 1})
	for i := 1; i <= n; i++ {
		putRow(t, s, store.TableMessage, int64(i), models.Message{
			ID: int64(i), Thread: 1, Direction: models.Incoming,
			TS: int64(1000 + i*10), Body: "msg",
		})
	}
}

func TestItemFetch(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableParticipant, 1, models.Participant{ID: 1, Alias: "alice"})

	page, err := e.Run(target(t, "/participant/1"), Spec{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Rows) != 1 || page.Next != "" {
		t.Fatalf("page = %+v, want one row, no token", page)
	}

	_, err = e.Run(target(t, "/participant/2"), Spec{})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing item error = %v, want ErrNotFound", err)
	}
}

func TestItemScopeChecks(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadGroup, Name: "crew"})
	putRow(t, s, store.TableMessage, 1, models.Message{ID: 1, Thread: 1, Direction: models.Incoming, TS: 10})

	// A group thread is invisible through the p2p address.
	if _, err := e.Run(target(t, "/p2p_thread/1"), Spec{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("kind-mismatched fetch = %v, want ErrNotFound", err)
	}
	if _, err := e.Run(target(t, "/group_thread/1"), Spec{}); err != nil {
		t.Fatalf("group fetch: %v", err)
	}

	// An incoming message is invisible through the outgoing collection.
	if _, err := e.Run(target(t, "/group_thread/1/outgoing_message/1"), Spec{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("direction-mismatched fetch = %v, want ErrNotFound", err)
	}
	if _, err := e.Run(target(t, "/group_thread/1/incoming_message/1"), Spec{}); err != nil {
		t.Fatalf("scoped fetch: %v", err)
	}
}

func TestCollectionScoping(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadP2P, Peer: 3})
	putRow(t, s, store.TableThread, 2, models.Thread{ID: 2, Kind: models.ThreadGroup, Name: "crew"})
	putRow(t, s, store.TableMessage, 1, models.Message{ID: 1, Thread: 1, Direction: models.Incoming, TS: 10})
	putRow(t, s, store.TableMessage, 2, models.Message{ID: 2, Thread: 1, Direction: models.Outgoing, TS: 20})
	putRow(t, s, store.TableMessage, 3, models.Message{ID: 3, Thread: 2, Direction: models.Incoming, TS: 30})

	page, err := e.Run(target(t, "/thread"), Spec{})
	if err != nil {
		t.Fatalf("unified threads: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("unified threads = %d rows, want 2", len(page.Rows))
	}

	page, err = e.Run(target(t, "/p2p_thread"), Spec{})
	if err != nil {
		t.Fatalf("p2p threads: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("p2p threads = %v, want [1]", ids)
	}

	page, err = e.Run(target(t, "/p2p_thread/1/incoming_message"), Spec{})
	if err != nil {
		t.Fatalf("scoped messages: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("scoped messages = %v, want [1]", ids)
	}

	page, err = e.Run(target(t, "/message"), Spec{})
	if err != nil {
		t.Fatalf("unified messages: %v", err)
	}
	if len(page.Rows) != 3 {
		t.Fatalf("unified messages = %d rows, want 3", len(page.Rows))
	}

	page, err = e.Run(target(t, "/outgoing_message"), Spec{})
	if err != nil {
		t.Fatalf("outgoing messages: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("outgoing messages = %v, want [2]", ids)
	}
}

func TestMemberCollections(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableParticipant, 1, models.Participant{ID: 1, Alias: "alice"})
	putRow(t, s, store.TableParticipant, 2, models.Participant{ID: 2, Alias: "bob"})
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadP2P, Peer: 2})
	putRow(t, s, store.TableThread, 2, models.Thread{ID: 2, Kind: models.ThreadGroup})
	if err := s.AddMember(2, 1); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := s.AddMember(2, 2); err != nil {
		t.Fatalf("add member: %v", err)
	}

	// The p2p member collection is the peer alone.
	page, err := e.Run(target(t, "/p2p_thread/1/participant"), Spec{})
	if err != nil {
		t.Fatalf("p2p members: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("p2p members = %v, want [2]", ids)
	}

	page, err = e.Run(target(t, "/group_thread/2/participant"), Spec{})
	if err != nil {
		t.Fatalf("group members: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 2 {
		t.Fatalf("group members = %v, want 2 rows", ids)
	}

	if _, err := e.Run(target(t, "/group_thread/2/participant/1"), Spec{}); err != nil {
		t.Fatalf("member item: %v", err)
	}
	// Participant 1 is not the peer of thread 1.
	if _, err := e.Run(target(t, "/p2p_thread/1/participant/1"), Spec{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("non-member fetch = %v, want ErrNotFound", err)
	}
}

func TestFilters(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadGroup, Name: "Weekend Crew", Owner: 7})
	putRow(t, s, store.TableThread, 2, models.Thread{ID: 2, Kind: models.ThreadGroup, Name: "work", Owner: 8, Archived: true})
	putRow(t, s, store.TableThread, 3, models.Thread{ID: 3, Kind: models.ThreadP2P, Peer: 7})

	page, err := e.Run(target(t, "/thread"), Spec{
		Filters: []Filter{{Property: "kind", Op: OpEq, Value: "group"}},
	})
	if err != nil {
		t.Fatalf("eq filter: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("eq filter = %d rows, want 2", len(page.Rows))
	}

	page, err = e.Run(target(t, "/thread"), Spec{
		Filters: []Filter{{Property: "name", Op: OpLike, Value: "crew"}},
	})
	if err != nil {
		t.Fatalf("like filter: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("like filter = %v, want [1]", ids)
	}

	page, err = e.Run(target(t, "/thread"), Spec{
		Filters: []Filter{{Property: "owner", Op: OpRef, Value: "8"}},
	})
	if err != nil {
		t.Fatalf("ref filter: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("ref filter = %v, want [2]", ids)
	}

	page, err = e.Run(target(t, "/thread"), Spec{
		Filters: []Filter{{Property: "archived", Op: OpEq, Value: "true"}},
	})
	if err != nil {
		t.Fatalf("bool filter: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("bool filter = %v, want [2]", ids)
	}
}

func TestSortDirection(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 3)

	page, err := e.Run(target(t, "/message"), Spec{SortBy: "ts", Desc: true})
	if err != nil {
		t.Fatalf("sort desc: %v", err)
	}
	ids := rowIDs(t, page)
	if len(ids) != 3 || ids[0] != 3 || ids[2] != 1 {
		t.Fatalf("desc order = %v, want [3 2 1]", ids)
	}
}

func TestInvalidSpecs(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 1)

	cases := []Spec{
		{SortBy: "body"},
		{Filters: []Filter{{Property: "ts", Op: OpEq, Value: "1"}}},
		{Filters: []Filter{{Property: "body", Op: "gt", Value: "1"}}},
		{Limit: -1},
		{Token: "not-base64!!"},
	}
	for i, spec := range cases {
		if _, err := e.Run(target(t, "/message"), spec); !errors.Is(err, errs.ErrInvalidQuerySpec) {
			t.Fatalf("case %d: error = %v, want ErrInvalidQuerySpec", i, err)
		}
	}
}

func TestPaginationWalksWholeSet(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 7)

	spec := Spec{SortBy: "ts", Limit: 3}
	seen := map[int64]bool{}
	pages := 0
	for {
		page, err := e.Run(target(t, "/message"), spec)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		for _, id := range rowIDs(t, page) {
			if seen[id] {
				t.Fatalf("id %d returned twice", id)
			}
			seen[id] = true
		}
		if page.Next == "" {
			break
		}
		spec.Token = page.Next
	}
	if pages != 3 {
		t.Fatalf("walked %d pages, want 3", pages)
	}
	if len(seen) != 7 {
		t.Fatalf("saw %d rows, want 7", len(seen))
	}
}

func TestPaginationStableUnderInserts(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 4)

	spec := Spec{SortBy: "ts", Limit: 2}
	page1, err := e.Run(target(t, "/message"), spec)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if page1.Next == "" {
		t.Fatalf("page 1 missing token")
	}

	// A row inserted before the token position must not shift the next
	// page: ids 3 and 4 still follow.
	putRow(t, s, store.TableMessage, 99, models.Message{
		ID: 99, Thread: 1, Direction: models.Incoming, TS: 1, Body: "early",
	})

	spec.Token = page1.Next
	page2, err := e.Run(target(t, "/message"), spec)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	ids := rowIDs(t, page2)
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Fatalf("page 2 = %v, want [3 4]", ids)
	}
}

func TestExhaustedToken(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 3)

	spec := Spec{SortBy: "ts", Limit: 2}
	page1, err := e.Run(target(t, "/message"), spec)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}

	// Everything after the token position disappears; the token stays
	// valid and yields an empty final page.
	if n, err := s.DeleteRow(store.TableMessage, 3); err != nil || n != 1 {
		t.Fatalf("delete = (%d, %v)", n, err)
	}

	spec.Token = page1.Next
	page2, err := e.Run(target(t, "/message"), spec)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Rows) != 0 || page2.Next != "" {
		t.Fatalf("exhausted page = %+v, want empty", page2)
	}
}

func TestTokenBoundToSpec(t *testing.T) {
	e, s := testEngine(t)
	seedMessages(t, s, 4)

	spec := Spec{SortBy: "ts", Limit: 2}
	page1, err := e.Run(target(t, "/message"), spec)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}

	other := Spec{SortBy: "id", Limit: 2, Token: page1.Next}
	if _, err := e.Run(target(t, "/message"), other); !errors.Is(err, errs.ErrInvalidQuerySpec) {
		t.Fatalf("token reuse across specs = %v, want ErrInvalidQuerySpec", err)
	}
}

func TestLargeTimestampPrecision(t *testing.T) {
	e, s := testEngine(t)
	putRow(t, s, store.TableThread, 1, models.Thread{ID: 1, Kind: models.ThreadP2P, Peer: 1})
	// Adjacent nanosecond timestamps above 2^53 collapse under float64;
	// ordering must still distinguish them.
	base := int64(1 << 60)
	putRow(t, s, store.TableMessage, 1, models.Message{ID: 1, Thread: 1, Direction: models.Incoming, TS: base + 2})
	putRow(t, s, store.TableMessage, 2, models.Message{ID: 2, Thread: 1, Direction: models.Incoming, TS: base + 1})

	page, err := e.Run(target(t, "/message"), Spec{SortBy: "ts", Limit: 1})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if ids := rowIDs(t, page); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("page 1 = %v, want [2]", ids)
	}

	page2, err := e.Run(target(t, "/message"), Spec{SortBy: "ts", Limit: 1, Token: page.Next})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if ids := rowIDs(t, page2); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("page 2 = %v, want [1]", ids)
	}
}
