package datasource

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// firstArray returns the root when it is an array, otherwise the first
// array-valued field of a root object in key order.
func firstArray(v any) (any, bool) {
	switch node := v.(type) {
	case []any:
		return node, true
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := node[k].([]any); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

// navigatePath walks a dot-separated path ("result.records") through nested
// JSON objects. Numeric segments index into arrays. An empty path returns v.
func navigatePath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// toRecords turns a decoded JSON value into records. An array of objects is
// the common case; a single object is one record. Non-object array items are
// wrapped as {"value": item}.
func toRecords(v any) ([]map[string]any, error) {
	switch node := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]map[string]any, 0, len(node))
		for _, item := range node {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
				continue
			}
			out = append(out, map[string]any{"value": item})
		}
		return out, nil
	case map[string]any:
		return []map[string]any{node}, nil
	default:
		return nil, fmt.Errorf("records are %T, want array or object", v)
	}
}

// toInt reads a JSON count that may arrive as a number or numeric string.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// ExpandEndpoint substitutes {dataset}, {offset}, {limit} and {page} in an
// endpoint template. paged reports whether the template carries its own
// paging placeholders, in which case no offset/limit query is appended.
func ExpandEndpoint(tmpl, datasetID string, offset, limit, page int) (expanded string, paged bool) {
	paged = strings.Contains(tmpl, "{offset}") || strings.Contains(tmpl, "{page}")
	r := strings.NewReplacer(
		"{dataset}", url.PathEscape(datasetID),
		"{offset}", strconv.Itoa(offset),
		"{limit}", strconv.Itoa(limit),
		"{page}", strconv.Itoa(page),
	)
	return r.Replace(tmpl), paged
}

// pageURL expands the endpoint and adds params plus offset/limit unless the
// template already pages itself.
func pageURL(src DatasetSource, extra map[string]string, offset, page int) (string, error) {
	u, paged := ExpandEndpoint(src.Endpoint, src.DatasetID, offset, src.PageSize, page)
	params := make(map[string]string, len(src.Params)+len(extra)+2)
	for k, v := range src.Params {
		params[k] = v
	}
	for k, v := range extra {
		params[k] = v
	}
	if !paged {
		params["offset"] = strconv.Itoa(offset)
		params["limit"] = strconv.Itoa(src.PageSize)
	}
	return withQuery(u, params)
}

// withQuery merges params into rawURL's query string. Keys are applied in
// sorted order so URLs are stable.
func withQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, params[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
