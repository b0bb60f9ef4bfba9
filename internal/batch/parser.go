// Package batch turns user-submitted input into a normalised list of items
// ready for persistence. Parsing is pure: no network validation happens here,
// malformed URLs are accepted and fail later in the pipeline.
package batch

import (
	"strconv"
	"strings"
)

// ParsedItem is one URL plus whatever metadata travelled with it.
type ParsedItem struct {
	URL      string
	Metadata map[string]any
}

// ParseText parses free-form pasted text. Each non-blank line is
// "url" or "url, price-or-note" (comma or tab separated). A second field that
// parses as a decimal number becomes a price, anything else is kept verbatim
// as a note. Blank lines and empty URLs are dropped silently.
func ParseText(text string) []ParsedItem {
	items := make([]ParsedItem, 0)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := splitLine(line)
		url := strings.TrimSpace(fields[0])
		if url == "" {
			continue
		}

		meta := map[string]any{}
		if len(fields) > 1 {
			extra := strings.TrimSpace(strings.Join(fields[1:], ","))
			if extra != "" {
				if price, err := strconv.ParseFloat(extra, 64); err == nil {
					meta["price"] = price
				} else {
					meta["note"] = extra
				}
			}
		}

		items = append(items, ParsedItem{URL: url, Metadata: meta})
	}

	return items
}

// ParseStructured normalises an already-structured item list, dropping
// entries with empty URLs while preserving order.
func ParseStructured(raw []ParsedItem) []ParsedItem {
	items := make([]ParsedItem, 0, len(raw))
	for _, item := range raw {
		url := strings.TrimSpace(item.URL)
		if url == "" {
			continue
		}
		meta := item.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		items = append(items, ParsedItem{URL: url, Metadata: meta})
	}
	return items
}

// splitLine splits on the first separator family found: tabs win over commas
// so pasted spreadsheet rows with commas inside the note survive.
func splitLine(line string) []string {
	if strings.Contains(line, "\t") {
		return strings.Split(line, "\t")
	}
	return strings.Split(line, ",")
}
