package datasource

import (
	"errors"
	"fmt"
	"regexp"
)

func init() {
	Register("json", jsonPaginator{})
	Register("datagovsg", dataGovSGPaginator{})
	Register("singstat", singStatPaginator{})
}

// jsonPaginator handles any offset/limit JSON API configured through
// RecordsPath, TotalPath and NextPath.
type jsonPaginator struct{}

func (jsonPaginator) Prepare(src DatasetSource) (DatasetSource, error) {
	if src.Endpoint == "" {
		return src, errors.New("endpoint is required")
	}
	return src, nil
}

func (jsonPaginator) PageURL(src DatasetSource, offset, page int) (string, error) {
	return pageURL(src, nil, offset, page)
}

func (jsonPaginator) Parse(src DatasetSource, body []byte) (Parsed, error) {
	return parseByPaths(body, src.RecordsPath, src.TotalPath, src.NextPath)
}

func parseByPaths(body []byte, recordsPath, totalPath, nextPath string) (Parsed, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return Parsed{}, err
	}
	var (
		raw any
		ok  bool
	)
	if recordsPath == "" {
		raw, ok = firstArray(doc)
	} else {
		raw, ok = navigatePath(doc, recordsPath)
	}
	if !ok {
		return Parsed{}, fmt.Errorf("records path %q not found", recordsPath)
	}
	recs, err := toRecords(raw)
	if err != nil {
		return Parsed{}, err
	}
	out := Parsed{Records: recs}
	if totalPath != "" {
		if v, ok := navigatePath(doc, totalPath); ok {
			out.Total, out.HasTotal = toInt(v)
		}
	}
	if nextPath != "" {
		if v, ok := navigatePath(doc, nextPath); ok {
			if s, ok := v.(string); ok {
				out.Next = s
			}
		}
	}
	return out, nil
}

// dataGovSGPaginator reads data.gov.sg CKAN datastore_search responses:
//
//	{"success": true, "result": {"records": [...], "total": N, "_links": {"next": "/api/..."}}}
type dataGovSGPaginator struct{}

const dataGovSGEndpoint = "https://data.gov.sg/api/action/datastore_search"

func (dataGovSGPaginator) Prepare(src DatasetSource) (DatasetSource, error) {
	if src.DatasetID == "" {
		return src, errors.New("dataset id is required")
	}
	if src.Endpoint == "" {
		src.Endpoint = dataGovSGEndpoint
	}
	if src.RecordsPath == "" {
		src.RecordsPath = "result.records"
	}
	if src.TotalPath == "" {
		src.TotalPath = "result.total"
	}
	return src, nil
}

func (dataGovSGPaginator) PageURL(src DatasetSource, offset, page int) (string, error) {
	return pageURL(src, map[string]string{"resource_id": src.DatasetID}, offset, page)
}

func (dataGovSGPaginator) Parse(src DatasetSource, body []byte) (Parsed, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return Parsed{}, err
	}
	if ok, found := navigatePath(doc, "success"); found {
		if b, isBool := ok.(bool); isBool && !b {
			msg, _ := navigatePath(doc, "error.message")
			return Parsed{}, fmt.Errorf("datastore_search failed: %v", msg)
		}
	}
	p, err := parseByPaths(body, src.RecordsPath, src.TotalPath, src.NextPath)
	if err != nil {
		return Parsed{}, err
	}
	// CKAN's internal row id is not part of the dataset.
	for _, r := range p.Records {
		delete(r, "_id")
	}
	return p, nil
}

// singStatPaginator reads SingStat Table Builder responses. Each table row
// carries one column entry per period:
//
//	{"Data": {"row": [{"seriesNo": "1", "rowText": "All Items", "uoM": "Index",
//	  "columns": [{"key": "2024 Jan", "value": "112.5"}]}], "total": N}}
//
// Rows are unnested into one record per (row, column).
type singStatPaginator struct{}

const singStatEndpoint = "https://tablebuilder.singstat.gov.sg/api/table/tabledata/{dataset}"

var singStatTableID = regexp.MustCompile(`^M\d{6}$`)

func (singStatPaginator) Prepare(src DatasetSource) (DatasetSource, error) {
	if !singStatTableID.MatchString(src.DatasetID) {
		return src, fmt.Errorf("table id %q must be M followed by 6 digits", src.DatasetID)
	}
	if src.Endpoint == "" {
		src.Endpoint = singStatEndpoint
	}
	return src, nil
}

func (singStatPaginator) PageURL(src DatasetSource, offset, page int) (string, error) {
	return pageURL(src, nil, offset, page)
}

func (singStatPaginator) Parse(_ DatasetSource, body []byte) (Parsed, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return Parsed{}, err
	}
	rawRows, ok := navigatePath(doc, "Data.row")
	if !ok {
		return Parsed{}, errors.New(`"Data.row" not found`)
	}
	rows, ok := rawRows.([]any)
	if !ok && rawRows != nil {
		return Parsed{}, fmt.Errorf(`"Data.row" is %T, want array`, rawRows)
	}

	var out Parsed
	for _, item := range rows {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cols, _ := row["columns"].([]any)
		for _, c := range cols {
			col, ok := c.(map[string]any)
			if !ok {
				continue
			}
			out.Records = append(out.Records, map[string]any{
				"series_no": row["seriesNo"],
				"row_text":  row["rowText"],
				"uom":       row["uoM"],
				"key":       col["key"],
				"value":     col["value"],
			})
		}
	}
	out.Consumed = len(rows)
	if v, ok := navigatePath(doc, "Data.total"); ok {
		out.Total, out.HasTotal = toInt(v)
	}
	return out, nil
}
