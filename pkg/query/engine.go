// Package query builds filtered, sorted, limited result pages over the
// store and issues continuation tokens for resumable windows.
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"msgstore/pkg/address"
	"msgstore/pkg/errs"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// FilterOp is a predicate kind.
type FilterOp string

const (
	// OpEq matches the property's string form exactly.
	OpEq FilterOp = "eq"
	// OpLike matches a case-insensitive substring of a string property.
	OpLike FilterOp = "like"
	// OpRef matches a numeric reference property.
	OpRef FilterOp = "ref"
)

// Filter is one attribute predicate.
type Filter struct {
	Property string
	Op       FilterOp
	Value    string
}

// Spec describes a collection query. Limit 0 means no limit (and no
// token). Token resumes a previous page.
type Spec struct {
	Filters []Filter
	SortBy  string
	Desc    bool
	Limit   int
	Token   string
}

// Page is one result window. Rows are entity snapshots in query order;
// Next is the continuation token, empty when the result set is complete.
type Page struct {
	Rows []json.RawMessage `json:"rows"`
	Next string            `json:"next,omitempty"`
}

// Engine serves reads for resolved targets.
type Engine struct {
	s *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{s: s}
}

type row struct {
	id  int64
	raw []byte
	m   map[string]any
	key any
}

// Run executes a query against a resolved target. Item addresses return
// a single-row page or ErrNotFound; collection addresses return a page
// and, when more rows remain, a continuation token.
func (e *Engine) Run(t *address.Target, spec Spec) (*Page, error) {
	if err := e.validate(t, spec); err != nil {
		return nil, err
	}
	if t.IsItem() {
		return e.fetchItem(t)
	}

	sortBy := spec.SortBy
	if sortBy == "" {
		sortBy = "id"
	}

	rows, err := e.rowsFor(t)
	if err != nil {
		return nil, err
	}

	var kept []row
	for _, r := range rows {
		ok, err := matches(r.m, spec.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			r.key = r.m[sortBy]
			kept = append(kept, r)
		}
	}

	// Sort by property and direction; ties break on id ascending so the
	// order is deterministic over unmodified data.
	sort.SliceStable(kept, func(i, j int) bool {
		c := compareValues(kept[i].key, kept[j].key)
		if spec.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return kept[i].id < kept[j].id
	})

	fp := spec.fingerprint(t.Collection())
	start := 0
	if spec.Token != "" {
		tok, err := decodeToken(spec.Token)
		if err != nil {
			return nil, err
		}
		if tok.Fingerprint != fp {
			return nil, errs.InvalidQuery("continuation token does not match this query")
		}
		// Resume strictly after the token position. An exhausted token
		// finds nothing after its position: zero rows, null token.
		start = len(kept)
		for i, r := range kept {
			if afterPosition(r, tok, spec.Desc) {
				start = i
				break
			}
		}
	}

	kept = kept[start:]
	page := &Page{}
	if spec.Limit > 0 && len(kept) > spec.Limit {
		window := kept[:spec.Limit]
		last := window[len(window)-1]
		next, err := encodeToken(token{Fingerprint: fp, LastKey: last.key, LastID: last.id})
		if err != nil {
			return nil, err
		}
		page.Next = next
		kept = window
	}
	for _, r := range kept {
		page.Rows = append(page.Rows, json.RawMessage(r.raw))
	}
	return page, nil
}

func (e *Engine) validate(t *address.Target, spec Spec) error {
	if spec.Limit < 0 {
		return errs.InvalidQuery("negative limit")
	}
	entity := t.Entity
	if spec.SortBy != "" && !sortable[entity][spec.SortBy] {
		return errs.InvalidQuery("cannot sort %s by %q", entity, spec.SortBy)
	}
	for _, f := range spec.Filters {
		if !filterable[entity][f.Property] {
			return errs.InvalidQuery("cannot filter %s by %q", entity, f.Property)
		}
		switch f.Op {
		case OpEq, OpLike, OpRef:
		default:
			return errs.InvalidQuery("unknown filter op %q", f.Op)
		}
	}
	return nil
}

func (e *Engine) fetchItem(t *address.Target) (*Page, error) {
	switch t.Entity {
	case address.EntityMember:
		ok, err := e.memberVisible(t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.NotFound("participant %d is not in thread %d", t.ID, t.Parent.ID)
		}
		raw, err := e.s.GetRow(store.TableParticipant, t.ID)
		if err != nil {
			return nil, err
		}
		return &Page{Rows: []json.RawMessage{raw}}, nil
	default:
		raw, err := e.s.GetRow(tableFor(t.Entity), t.ID)
		if err != nil {
			return nil, err
		}
		if ok, err := e.itemInScope(t, raw); err != nil {
			return nil, err
		} else if !ok {
			return nil, errs.NotFound("%s %d not found at this address", t.Entity, t.ID)
		}
		return &Page{Rows: []json.RawMessage{raw}}, nil
	}
}

// itemInScope checks that an item fetched through a scoped address
// actually belongs to the scope (kind, direction, parent reference).
func (e *Engine) itemInScope(t *address.Target, raw []byte) (bool, error) {
	m, err := decodeRow(raw)
	if err != nil {
		return false, err
	}
	switch t.Entity {
	case address.EntityThread:
		if t.ThreadKind != "" && stringify(m["kind"]) != string(t.ThreadKind) {
			return false, nil
		}
	case address.EntityMessage:
		if t.Direction != "" && stringify(m["direction"]) != string(t.Direction) {
			return false, nil
		}
		if t.Parent != nil && numValue(m["thread"]) != t.Parent.ID {
			return false, nil
		}
	case address.EntityDelivery:
		if t.Parent != nil && numValue(m["message"]) != t.Parent.ID {
			return false, nil
		}
	case address.EntityEvent:
		if t.EventKind != "" && stringify(m["kind"]) != string(t.EventKind) {
			return false, nil
		}
		if t.Parent != nil {
			owner := "participant"
			if t.Parent.Entity == address.EntityThread {
				owner = "thread"
			}
			if numValue(m[owner]) != t.Parent.ID {
				return false, nil
			}
		}
	}
	return true, nil
}

func (e *Engine) memberVisible(t *address.Target) (bool, error) {
	parent := t.Parent
	if parent.ThreadKind == models.ThreadP2P {
		raw, err := e.s.GetRow(store.TableThread, parent.ID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		m, err := decodeRow(raw)
		if err != nil {
			return false, err
		}
		return numValue(m["peer"]) == t.ID, nil
	}
	return e.s.HasMember(parent.ID, t.ID)
}

// rowsFor collects the candidate rows for a collection target, applying
// the scoping implied by the address (kind, direction, parent).
func (e *Engine) rowsFor(t *address.Target) ([]row, error) {
	switch t.Entity {
	case address.EntityMember:
		return e.memberRows(t)
	case address.EntityThread:
		return e.tableRows(store.TableThread, func(m map[string]any) bool {
			return t.ThreadKind == "" || stringify(m["kind"]) == string(t.ThreadKind)
		})
	case address.EntityMessage:
		return e.tableRows(store.TableMessage, func(m map[string]any) bool {
			if t.Direction != "" && stringify(m["direction"]) != string(t.Direction) {
				return false
			}
			if t.Parent != nil && numValue(m["thread"]) != t.Parent.ID {
				return false
			}
			return true
		})
	case address.EntityDelivery:
		return e.tableRows(store.TableDelivery, func(m map[string]any) bool {
			return t.Parent == nil || numValue(m["message"]) == t.Parent.ID
		})
	case address.EntityEvent:
		return e.tableRows(store.TableEvent, func(m map[string]any) bool {
			if t.EventKind != "" && stringify(m["kind"]) != string(t.EventKind) {
				return false
			}
			if t.Parent != nil {
				owner := "participant"
				if t.Parent.Entity == address.EntityThread {
					owner = "thread"
				}
				if numValue(m[owner]) != t.Parent.ID {
					return false
				}
			}
			return true
		})
	default:
		return e.tableRows(tableFor(t.Entity), nil)
	}
}

func (e *Engine) tableRows(table string, scope func(map[string]any) bool) ([]row, error) {
	var out []row
	var decErr error
	err := e.s.ScanRows(table, func(id int64, v []byte) bool {
		m, err := decodeRow(v)
		if err != nil {
			decErr = err
			return false
		}
		if scope != nil && !scope(m) {
			return true
		}
		out = append(out, row{id: id, raw: v, m: m})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}

func (e *Engine) memberRows(t *address.Target) ([]row, error) {
	parent := t.Parent
	var ids []int64
	if parent.ThreadKind == models.ThreadP2P {
		raw, err := e.s.GetRow(store.TableThread, parent.ID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		m, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		if peer := numValue(m["peer"]); peer != 0 {
			ids = []int64{peer}
		}
	} else {
		var err error
		ids, err = e.s.Members(parent.ID)
		if err != nil {
			return nil, err
		}
	}
	var out []row
	for _, id := range ids {
		raw, err := e.s.GetRow(store.TableParticipant, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		m, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row{id: id, raw: raw, m: m})
	}
	return out, nil
}

func tableFor(entity address.Entity) string {
	switch entity {
	case address.EntityParticipant, address.EntityMember:
		return store.TableParticipant
	case address.EntityThread:
		return store.TableThread
	case address.EntityMessage:
		return store.TableMessage
	case address.EntityDelivery:
		return store.TableDelivery
	case address.EntityFileTransfer:
		return store.TableFileTransfer
	case address.EntityEvent:
		return store.TableEvent
	}
	return string(entity)
}

func decodeRow(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Storage(err)
	}
	return m, nil
}

func matches(m map[string]any, filters []Filter) (bool, error) {
	for _, f := range filters {
		v := m[f.Property]
		switch f.Op {
		case OpEq:
			if stringify(v) != f.Value {
				return false, nil
			}
		case OpLike:
			s, ok := v.(string)
			if !ok {
				return false, nil
			}
			if !strings.Contains(strings.ToLower(s), strings.ToLower(f.Value)) {
				return false, nil
			}
		case OpRef:
			want, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil {
				return false, errs.InvalidQuery("reference filter on %q needs a numeric value", f.Property)
			}
			if numValue(v) != want {
				return false, nil
			}
		}
	}
	return true, nil
}

// afterPosition reports whether the row sorts strictly after the token
// position.
func afterPosition(r row, tok token, desc bool) bool {
	c := compareValues(r.key, tok.LastKey)
	if desc {
		c = -c
	}
	if c != 0 {
		return c > 0
	}
	return r.id > tok.LastID
}

// compareValues orders JSON scalar values: nil first, then bool, number,
// string; mixed kinds order by that rank. Numbers compare as int64 when
// both sides parse exactly, so nanosecond timestamps never lose
// precision to float rounding.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case json.Number:
		bv := b.(json.Number)
		ai, aerr := av.Int64()
		bi, berr := bv.Int64()
		if aerr == nil && berr == nil {
			return cmpInt(ai, bi)
		}
		af, _ := av.Float64()
		bf, _ := bv.Float64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	return strings.Compare(stringify(a), stringify(b))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case json.Number:
		return 2
	case string:
		return 3
	}
	return 4
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func numValue(v any) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return i
}
