// Package identity derives deterministic row identities and content hashes.
//
// Both are xxh3-128 digests over the canonical text of values, so they do not
// depend on fetch order, run time, or whether a number was stored as integer
// or float.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
)

// ErrNullKey is returned when a key column of a row is null.
var ErrNullKey = errors.New("identity: key column is null")

// ErrNoKeys is returned when no key columns are configured.
var ErrNoKeys = errors.New("identity: no key columns")

// RowID returns the identity of row: a digest of the dataset ID and the
// values of keys, in the given order.
func RowID(datasetID string, keys []string, row normalize.Row) (string, error) {
	if len(keys) == 0 {
		return "", ErrNoKeys
	}
	h := xxh3.New()
	writePart(h, datasetID)
	for _, k := range keys {
		v := row.Get(k)
		if v.IsNull() {
			return "", fmt.Errorf("%w: %s", ErrNullKey, k)
		}
		writePart(h, k)
		writePart(h, v.Text())
	}
	return sum(h), nil
}

// RowHash returns a digest of every non-null column of row in name order.
// Two rows with equal hashes hold the same content.
func RowHash(row normalize.Row) string {
	names := make([]string, 0, len(row))
	for name, v := range row {
		if !v.IsNull() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	h := xxh3.New()
	for _, name := range names {
		writePart(h, name)
		writePart(h, row[name].Text())
	}
	return sum(h)
}

// writePart writes a length-prefixed string so ("ab","c") and ("a","bc")
// hash differently.
func writePart(h *xxh3.Hasher, s string) {
	var buf [20]byte
	b := strconv.AppendInt(buf[:0], int64(len(s)), 10)
	b = append(b, ':')
	_, _ = h.Write(b)
	_, _ = h.WriteString(s)
}

func sum(h *xxh3.Hasher) string {
	b := h.Sum128().Bytes()
	return hex.EncodeToString(b[:])
}
