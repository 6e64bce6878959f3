package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"msgstore/pkg/config"
	"msgstore/pkg/notify"
	"msgstore/pkg/provider"
	"msgstore/pkg/store"
)

func testRouter(t *testing.T, cfg *config.Config) *mux.Router {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	p := provider.New(s, notify.NewHub(cfg.Notify.ExcludedFields))
	return NewRouter(p, cfg)
}

func do(t *testing.T, r *mux.Router, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestInsertAndQuery(t *testing.T) {
	r := testRouter(t, config.Default())

	w := do(t, r, http.MethodPost, "/store/participant", `{"alias":"alice"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("insert status = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, w, &created)
	if created.ID != 1 {
		t.Fatalf("created id = %d, want 1", created.ID)
	}

	w = do(t, r, http.MethodGet, "/store/participant/1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body.String())
	}
	var page struct {
		Rows []json.RawMessage `json:"rows"`
	}
	decodeBody(t, w, &page)
	if len(page.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(page.Rows))
	}
}

func TestNoOpInsertReturns200(t *testing.T) {
	r := testRouter(t, config.Default())
	do(t, r, http.MethodPost, "/store/participant", `{"alias":"bob"}`, nil)

	w := do(t, r, http.MethodPost, "/store/p2p_thread", `{"peer":1}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("thread insert = %d: %s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodPost, "/store/p2p_thread", `{"peer":1}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate insert = %d, want 200", w.Code)
	}
	var res struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, w, &res)
	if res.ID != 0 {
		t.Fatalf("duplicate id = %d, want 0", res.ID)
	}
}

func TestBatchInsert(t *testing.T) {
	r := testRouter(t, config.Default())

	w := do(t, r, http.MethodPost, "/store/participant",
		`[{"alias":"alice"},{"alias":"bob"}]`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("batch status = %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		IDs []int64 `json:"ids"`
	}
	decodeBody(t, w, &res)
	if len(res.IDs) != 2 {
		t.Fatalf("ids = %v, want 2", res.IDs)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	r := testRouter(t, config.Default())
	do(t, r, http.MethodPost, "/store/participant", `{"alias":"alice"}`, nil)

	w := do(t, r, http.MethodPut, "/store/participant/1", `{"alias":"al"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &res)
	if res.Count != 1 {
		t.Fatalf("count = %d, want 1", res.Count)
	}

	w = do(t, r, http.MethodDelete, "/store/participant/1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	decodeBody(t, w, &res)
	if res.Count != 1 {
		t.Fatalf("delete count = %d, want 1", res.Count)
	}
}

func TestErrorMapping(t *testing.T) {
	r := testRouter(t, config.Default())
	do(t, r, http.MethodPost, "/store/participant", `{"alias":"alice"}`, nil)

	cases := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/store/subscription", "", http.StatusNotFound},
		{http.MethodGet, "/store/participant/99", "", http.StatusNotFound},
		{http.MethodPut, "/store/thread", `{}`, http.StatusMethodNotAllowed},
		{http.MethodPost, "/store/p2p_thread", `{"peer":42}`, http.StatusConflict},
		{http.MethodGet, "/store/message?sort=body", "", http.StatusBadRequest},
		{http.MethodGet, "/store/message?filter=broken", "", http.StatusBadRequest},
		{http.MethodGet, "/store/message?limit=abc", "", http.StatusBadRequest},
	}
	for _, c := range cases {
		w := do(t, r, c.method, c.path, c.body, nil)
		if w.Code != c.status {
			t.Fatalf("%s %s = %d, want %d (%s)", c.method, c.path, w.Code, c.status, w.Body.String())
		}
	}
}

func TestQueryParameters(t *testing.T) {
	r := testRouter(t, config.Default())
	do(t, r, http.MethodPost, "/store/participant", `{"alias":"bob"}`, nil)
	do(t, r, http.MethodPost, "/store/p2p_thread", `{"peer":1}`, nil)
	for _, body := range []string{`{"body":"a","ts":10}`, `{"body":"b","ts":20}`, `{"body":"c","ts":30}`} {
		w := do(t, r, http.MethodPost, "/store/p2p_thread/1/incoming_message", body, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("seed message = %d: %s", w.Code, w.Body.String())
		}
	}

	w := do(t, r, http.MethodGet, "/store/message?sort=ts&order=desc&limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query = %d: %s", w.Code, w.Body.String())
	}
	var page struct {
		Rows []struct {
			TS int64 `json:"ts"`
		} `json:"rows"`
		Next string `json:"next"`
	}
	decodeBody(t, w, &page)
	if len(page.Rows) != 2 || page.Rows[0].TS != 30 {
		t.Fatalf("page = %+v", page)
	}
	if page.Next == "" {
		t.Fatalf("missing continuation token")
	}

	w = do(t, r, http.MethodGet, "/store/message?sort=ts&order=desc&limit=2&token="+page.Next, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("page 2 = %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &page)
	if len(page.Rows) != 1 || page.Rows[0].TS != 10 {
		t.Fatalf("page 2 = %+v", page)
	}

	w = do(t, r, http.MethodGet, "/store/message?filter=body:eq:b", "", nil)
	decodeBody(t, w, &page)
	if len(page.Rows) != 1 || page.Rows[0].TS != 20 {
		t.Fatalf("filtered page = %+v", page)
	}
}

func TestAuthorization(t *testing.T) {
	cfg := config.Default()
	cfg.API.Keys.Read = []string{"r1"}
	cfg.API.Keys.Write = []string{"w1"}
	r := testRouter(t, cfg)

	if w := do(t, r, http.MethodGet, "/store/participant", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key = %d, want 401", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/store/participant", "", map[string]string{"X-API-Key": "bogus"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad key = %d, want 401", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/store/participant", "", map[string]string{"X-API-Key": "r1"}); w.Code != http.StatusOK {
		t.Fatalf("read key GET = %d, want 200", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/store/participant", `{}`, map[string]string{"X-API-Key": "r1"}); w.Code != http.StatusForbidden {
		t.Fatalf("read key POST = %d, want 403", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/store/participant", `{}`, map[string]string{"X-API-Key": "w1"}); w.Code != http.StatusCreated {
		t.Fatalf("write key POST = %d, want 201", w.Code)
	}
	// Health stays outside the keyed surface.
	if w := do(t, r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.API.RateLimit.RPS = 1
	cfg.API.RateLimit.Burst = 1
	r := testRouter(t, cfg)

	if w := do(t, r, http.MethodGet, "/store/participant", "", nil); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/store/participant", "", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
}
