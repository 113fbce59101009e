package htmlutil

import (
	"strings"

	"github.com/k3a/html2text"
)

// ToText converts HTML to plain text using a proper HTML parser.
// Handles entities, strips tags, and preserves readable text.
func ToText(s string) string {
	return html2text.HTML2Text(s)
}

// ToLines converts HTML to text and returns its non-empty lines with runs of
// blanks collapsed to one space.
func ToLines(s string) []string {
	var out []string
	for _, line := range strings.Split(ToText(s), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return out
}
