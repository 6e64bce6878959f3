package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"msgstore/pkg/errs"
)

// token is the continuation capsule: the position after the last row
// returned plus a fingerprint of the spec it belongs to. It describes a
// position in the sort order, not an offset, so rows inserted before the
// position cannot shift or duplicate subsequent pages.
type token struct {
	Fingerprint string `json:"f"`
	LastKey     any    `json:"k"`
	LastID      int64  `json:"i"`
}

func encodeToken(t token) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", errs.InvalidQuery("token encode: %v", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func decodeToken(s string) (token, error) {
	var t token
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return t, errs.InvalidQuery("malformed continuation token")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&t); err != nil {
		return t, errs.InvalidQuery("malformed continuation token")
	}
	return t, nil
}

// fingerprint canonicalizes the parts of a spec that a token must match:
// resuming with a different filter, sort or limit is a caller error.
func (s Spec) fingerprint(collection string) string {
	var b strings.Builder
	b.WriteString(collection)
	for _, f := range s.Filters {
		b.WriteByte('|')
		b.WriteString(f.Property)
		b.WriteByte(':')
		b.WriteString(string(f.Op))
		b.WriteByte(':')
		b.WriteString(f.Value)
	}
	b.WriteString("|sort=")
	b.WriteString(s.SortBy)
	if s.Desc {
		b.WriteString("|desc")
	}
	b.WriteString("|limit=")
	b.WriteString(strconv.Itoa(s.Limit))
	return b.String()
}
