package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

var (
	debugWriter io.Writer = os.Stderr
	outWriter   io.Writer = os.Stdout
)

// OutputData prints data in the specified format
func OutputData(data interface{}) error {
	switch output {
	case "json":
		return outputJSON(data)
	case "yaml":
		return outputYAML(data)
	case "table":
		return outputTable(data)
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}
}

func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(outWriter)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(data interface{}) error {
	encoder := yaml.NewEncoder(outWriter)
	defer encoder.Close()
	return encoder.Encode(data)
}

func outputTable(data interface{}) error {
	switch v := data.(type) {
	case []interface{}:
		if len(v) == 0 {
			fmt.Fprintln(outWriter, "No results found.")
			return nil
		}
		return printTableFromSlice(v)
	case map[string]interface{}:
		return printTableFromMap(v)
	default:
		// Fallback to JSON if we can't determine how to print as table
		return outputJSON(data)
	}
}

func printTableFromSlice(items []interface{}) error {
	headers, err := extractHeaders(items[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(outWriter, 0, 0, 3, ' ', 0)
	defer w.Flush()

	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(w, strings.Join(upper, "\t"))

	for _, item := range items {
		values, err := extractValues(item, headers)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
	return nil
}

func printTableFromMap(m map[string]interface{}) error {
	w := tabwriter.NewWriter(outWriter, 0, 0, 3, ' ', 0)
	defer w.Flush()

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s:\t%s\n", key, formatValue(m[key]))
	}
	return nil
}

// preferredOrder puts the identifying columns of grants, rotations and
// transactions first.
var preferredOrder = []string{"id", "contentId", "principalId", "principal", "level", "fromVersion", "toVersion", "status"}

func extractHeaders(item interface{}) ([]string, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected map[string]interface{}, got %T", item)
	}

	var headers []string
	for _, key := range preferredOrder {
		if _, exists := m[key]; exists {
			headers = append(headers, key)
		}
	}

	var rest []string
	for key := range m {
		if !contains(preferredOrder, key) {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(headers, rest...), nil
}

func extractValues(item interface{}, headers []string) ([]string, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected map[string]interface{}, got %T", item)
	}

	values := make([]string, 0, len(headers))
	for _, header := range headers {
		values = append(values, formatValue(m[header]))
	}
	return values, nil
}

func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		// Keys are 64 hex chars and must print whole.
		if len(val) > 80 {
			return val[:77] + "..."
		}
		return val
	case bool:
		if val {
			return "✓"
		}
		return "✗"
	case float64:
		return fmt.Sprintf("%.0f", val)
	case []interface{}:
		if len(val) == 0 {
			return "[]"
		}
		items := make([]string, 0, len(val))
		for _, item := range val {
			items = append(items, fmt.Sprintf("%v", item))
		}
		result := "[" + strings.Join(items, ", ") + "]"
		if len(result) > 80 {
			return result[:77] + "..."
		}
		return result
	case map[string]interface{}:
		if len(val) == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d fields}", len(val))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Fprintf(outWriter, "✓ %s\n", message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Fprintf(os.Stderr, "✗ Error: %s\n", message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Fprintf(os.Stderr, "⚠ Warning: %s\n", message)
}

// outputList prints the named list field as a table, or the whole response
// in structured formats.
func outputList(result map[string]interface{}, field, empty string) error {
	list, _ := result[field].([]interface{})
	if output == "table" {
		if len(list) == 0 {
			fmt.Fprintln(outWriter, empty)
			return nil
		}
		return OutputData(list)
	}
	return OutputData(result)
}
