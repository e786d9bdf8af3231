// Package file reads dataset lists kept in local text files, so a job can
// point at a maintained list of dataset IDs instead of inlining them.
package file

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Entry is one dataset line: an ID optionally followed by static columns.
type Entry struct {
	ID            string
	StaticColumns map[string]string
}

// ReadList reads a text file line by line and returns a slice of strings
// containing non-empty, non-comment lines.
//
// Lines that are empty or start with '#' (after trimming leading/trailing
// whitespace) are skipped. The order of lines is preserved.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadDatasets reads a dataset list. Each line is
//
//	<dataset-id> [key=value, key=value ...]
//
// where the optional pairs become static columns for that dataset.
func ReadDatasets(path string) ([]Entry, error) {
	lines, err := ReadList(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for i, line := range lines {
		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseEntry(line string) (Entry, error) {
	id, rest, _ := strings.Cut(line, " ")
	e := Entry{ID: strings.TrimSpace(id)}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return e, nil
	}
	e.StaticColumns = map[string]string{}
	for _, pair := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return Entry{}, fmt.Errorf("static column %q must be key=value", strings.TrimSpace(pair))
		}
		e.StaticColumns[k] = strings.TrimSpace(v)
	}
	return e, nil
}
