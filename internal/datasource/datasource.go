// Package datasource pages through dataset APIs and yields raw pages.
//
// A Fetcher issues one request at a time in increasing offset order and
// hands each decoded page to the caller through a lazy iterator, so a caller
// can stop early without fetching the rest of the dataset. Response shapes
// are handled by Paginators registered per source kind ("json",
// "datagovsg", "singstat").
package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/Derrickeee/Data-Jedi/internal/datasource/httpds"
)

// DatasetSource identifies one external dataset. It is immutable once a run
// starts.
type DatasetSource struct {
	Kind      string
	DatasetID string

	// Endpoint is a URL template; see ExpandEndpoint.
	Endpoint string
	PageSize int

	AuthToken  string
	AuthHeader string
	Headers    map[string]string
	Params     map[string]string

	RecordsPath string
	TotalPath   string
	NextPath    string

	// MaxPages stops the sequence after this many pages when > 0.
	MaxPages int
}

// RawPage is one decoded API response.
type RawPage struct {
	// Records are raw field-name -> value mappings. Numbers are json.Number.
	Records []map[string]any

	// Offset is the record offset of the first record in this page.
	Offset int
	// Number is the 0-based page index within the run.
	Number int
	// HasMore reports whether another page follows.
	HasMore bool

	URL  string
	Body []byte
}

// FetchError reports a page that could not be fetched. It is fatal to a run.
type FetchError struct {
	Offset int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: page at offset %d: %v", e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Parsed is a Paginator's view of one response.
type Parsed struct {
	Records []map[string]any

	// Total is the dataset size when the API reports it.
	Total    int
	HasTotal bool

	// Next is an explicit continuation URL, if any.
	Next string

	// Consumed is how far the upstream offset advances. Zero means
	// len(Records); kinds that unnest rows report the row count instead.
	Consumed int
}

// Paginator builds page URLs and parses responses for one source kind.
type Paginator interface {
	// Prepare validates src and fills kind defaults (endpoint, paths).
	Prepare(src DatasetSource) (DatasetSource, error)
	// PageURL returns the URL for the page starting at offset.
	PageURL(src DatasetSource, offset, page int) (string, error)
	// Parse decodes a response body.
	Parse(src DatasetSource, body []byte) (Parsed, error)
}

var (
	regMu      sync.RWMutex
	paginators = map[string]Paginator{}
)

// Register makes a Paginator available under kind.
func Register(kind string, p Paginator) {
	regMu.Lock()
	defer regMu.Unlock()
	paginators[kind] = p
}

// Lookup returns the Paginator registered for kind.
func Lookup(kind string) (Paginator, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := paginators[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported source.kind=%s", kind)
	}
	return p, nil
}

// Kinds lists registered source kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(paginators))
	for k := range paginators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Getter is the subset of *httpds.Client the Fetcher needs.
type Getter interface {
	Fetch(ctx context.Context, url string, headers http.Header) (*httpds.Response, error)
}

// Fetcher pages through a DatasetSource.
type Fetcher struct {
	client  Getter
	verbose bool
}

// NewFetcher returns a Fetcher using client for every request.
func NewFetcher(client Getter, verbose bool) *Fetcher {
	return &Fetcher{client: client, verbose: verbose}
}

// DefaultPageSize is used when DatasetSource.PageSize is zero.
const DefaultPageSize = 1000

// Fetch returns a lazy, finite sequence of pages. Exactly one request is in
// flight at a time and the next page is only requested when the consumer
// asks for it. A failure yields a *FetchError (or the context error) and
// ends the sequence. Restarting means calling Fetch again from page zero.
func (f *Fetcher) Fetch(ctx context.Context, src DatasetSource) iter.Seq2[RawPage, error] {
	return func(yield func(RawPage, error) bool) {
		p, err := Lookup(src.Kind)
		if err != nil {
			yield(RawPage{}, err)
			return
		}
		src, err = p.Prepare(src)
		if err != nil {
			yield(RawPage{}, fmt.Errorf("source %s/%s: %w", src.Kind, src.DatasetID, err))
			return
		}
		if src.PageSize <= 0 {
			src.PageSize = DefaultPageSize
		}
		headers := requestHeaders(src)

		offset, page := 0, 0
		nextURL := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(RawPage{}, err)
				return
			}

			url := nextURL
			if url == "" {
				url, err = p.PageURL(src, offset, page)
				if err != nil {
					yield(RawPage{}, &FetchError{Offset: offset, Err: err})
					return
				}
			}

			resp, err := f.client.Fetch(ctx, url, headers)
			if err != nil {
				if ctx.Err() != nil {
					yield(RawPage{}, ctx.Err())
					return
				}
				yield(RawPage{}, &FetchError{Offset: offset, Err: err})
				return
			}

			parsed, err := p.Parse(src, resp.Body)
			if err != nil {
				yield(RawPage{}, &FetchError{Offset: offset, Err: fmt.Errorf("decode response: %w", err)})
				return
			}

			next := ""
			if parsed.Next != "" {
				if next, err = resolveNext(url, parsed.Next); err != nil {
					yield(RawPage{}, &FetchError{Offset: offset, Err: err})
					return
				}
			}

			n := len(parsed.Records)
			step := parsed.Consumed
			if step == 0 {
				step = n
			}
			hasMore := false
			switch {
			case step == 0:
				hasMore = false
			case next != "":
				hasMore = next != url
			case parsed.HasTotal:
				hasMore = offset+step < parsed.Total
			default:
				hasMore = step >= src.PageSize
			}
			if src.MaxPages > 0 && page+1 >= src.MaxPages {
				hasMore = false
			}

			if f.verbose {
				log.Printf("fetch: dataset=%s page=%d offset=%d records=%d attempts=%d more=%v",
					src.DatasetID, page, offset, n, resp.Attempts, hasMore)
			}

			rp := RawPage{
				Records: parsed.Records,
				Offset:  offset,
				Number:  page,
				HasMore: hasMore,
				URL:     url,
				Body:    resp.Body,
			}
			if !yield(rp, nil) || !hasMore {
				return
			}

			offset += step
			page++
			nextURL = next
		}
	}
}

// resolveNext resolves a continuation link, which may be relative, against
// the URL of the page that returned it.
func resolveNext(pageURL, next string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("parse next link %q: %w", next, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func requestHeaders(src DatasetSource) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	for k, v := range src.Headers {
		h.Set(k, v)
	}
	if src.AuthToken != "" {
		name := src.AuthHeader
		if name == "" {
			h.Set("Authorization", "Bearer "+src.AuthToken)
		} else {
			h.Set(name, src.AuthToken)
		}
	}
	return h
}

// decodeJSON decodes body keeping numbers as json.Number.
func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
