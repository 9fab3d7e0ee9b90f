// Package archive implements the per-generator Archive Builder of section
// 4.2: MadGraph and Powheg variants that assemble input_files.tar.gz, and
// the customization contract shared by both.
package archive

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Customize implements the customization contract of section 4.2: given a
// source file, a list of verbatim user additions, and a mapping of variable
// names to values, it appends the user additions under a "# User settings"
// banner and substitutes every $<name> placeholder. A list-valued binding
// expands across multiple lines indented to the column of the first line
// in the source text that already contains the placeholder token. The
// result always ends in exactly one trailing newline.
func Customize(sourcePath string, userAdditions []string, replacements map[string]interface{}) (string, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("reading customization source %s: %w", sourcePath, err)
	}
	return CustomizeContents(string(data), userAdditions, replacements)
}

// CustomizeContents is Customize's pure, file-system-free core, exposed
// separately so the Powheg variant can compose it with templates that are
// already in memory.
func CustomizeContents(contents string, userAdditions []string, replacements map[string]interface{}) (string, error) {
	if len(userAdditions) > 0 {
		contents = strings.TrimRight(contents, "\n") + "\n\n# User settings\n" + strings.Join(userAdditions, "\n")
	}

	names := make([]string, 0, len(replacements))
	for name := range replacements {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := replacements[name]
		placeholder := "$" + name
		switch v := value.(type) {
		case []string:
			contents = expandList(contents, placeholder, v)
		case []interface{}:
			items := make([]string, len(v))
			for i, item := range v {
				items[i] = toString(item)
			}
			contents = expandList(contents, placeholder, items)
		default:
			contents = strings.ReplaceAll(contents, placeholder, toString(value))
		}
	}

	return strings.TrimRight(contents, "\n") + "\n", nil
}

// expandList substitutes a list-valued placeholder, indenting every line
// after the first by the leading spaces of the first line that contains the
// placeholder,
// joining items with ",\n" as the original fragment/card builders do.
func expandList(contents, placeholder string, items []string) string {
	indent := indentationOf(contents, placeholder)
	joined := strings.Join(items, ",\n"+strings.Repeat(" ", indent))
	return strings.ReplaceAll(contents, placeholder, joined)
}

// indentationOf returns the number of leading space characters on the first
// line of text containing phrase. Returns 0 if phrase does not occur.
func indentationOf(text, phrase string) int {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, phrase) {
			count := 0
			for _, r := range line {
				if r != ' ' {
					break
				}
				count++
			}
			return count
		}
	}
	return 0
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
