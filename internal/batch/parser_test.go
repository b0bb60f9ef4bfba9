//go:build unit || !integration

package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []ParsedItem
	}{
		{
			name:  "plain_urls",
			input: "https://a.com/1\nhttps://b.com/2\n",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{}},
				{URL: "https://b.com/2", Metadata: map[string]any{}},
			},
		},
		{
			name:  "url_with_price",
			input: "https://a.com/1, 19.99",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{"price": 19.99}},
			},
		},
		{
			name:  "url_with_note",
			input: "https://a.com/1, out of stock",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{"note": "out of stock"}},
			},
		},
		{
			name:  "tab_separated_note_with_comma",
			input: "https://a.com/1\tred, size M",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{"note": "red, size M"}},
			},
		},
		{
			name:  "blank_lines_dropped",
			input: "\n\nhttps://a.com/1\n   \n",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{}},
			},
		},
		{
			name:  "whitespace_trimmed",
			input: "  https://a.com/1 ,  42  ",
			expected: []ParsedItem{
				{URL: "https://a.com/1", Metadata: map[string]any{"price": 42.0}},
			},
		},
		{
			name:     "empty_input",
			input:    "",
			expected: []ParsedItem{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseText(tt.input))
		})
	}
}

func TestParseTextPreservesOrder(t *testing.T) {
	input := "https://z.com/9\nhttps://a.com/1\nhttps://m.com/5"
	items := ParseText(input)

	assert.Len(t, items, 3)
	assert.Equal(t, "https://z.com/9", items[0].URL)
	assert.Equal(t, "https://a.com/1", items[1].URL)
	assert.Equal(t, "https://m.com/5", items[2].URL)
}

func TestParseStructured(t *testing.T) {
	raw := []ParsedItem{
		{URL: "https://a.com/1", Metadata: map[string]any{"price": 10.0}},
		{URL: "   "},
		{URL: "https://b.com/2"},
	}

	items := ParseStructured(raw)

	assert.Len(t, items, 2)
	assert.Equal(t, "https://a.com/1", items[0].URL)
	assert.Equal(t, 10.0, items[0].Metadata["price"])
	assert.Equal(t, "https://b.com/2", items[1].URL)
	assert.NotNil(t, items[1].Metadata)
}
