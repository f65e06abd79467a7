package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		printJSON(data)
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(v)
			}
		} else {
			for _, k := range sortedKeys(data) {
				fmt.Printf("%s=%v\n", k, data[k])
			}
		}
	default: // table
		printTable(data)
	}
}

// printList outputs rows with the given columns. Table output adds a header
// and a page footer when the response carries pagination.
func printList(result map[string]any, columns ...string) {
	rows, _ := result["data"].([]any)
	if outputFormat == "json" {
		printJSON(result)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if outputFormat != "raw" {
		fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))
	}
	for _, r := range rows {
		row, _ := r.(map[string]any)
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = cell(lookup(row, c))
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
	if page, ok := result["current_page"]; ok && outputFormat != "raw" {
		fmt.Printf("\npage %v of %v (%v total)\n", page, result["last_page"], result["total"])
	}
}

// lookup resolves a dotted key such as "patient.name".
func lookup(row map[string]any, key string) any {
	var cur any = row
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func cell(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%s\n", kk, cell(val[kk]))
			}
		case []any:
			fmt.Fprintf(w, "%s\t%d item(s)\n", k, len(val))
		default:
			fmt.Fprintf(w, "%s\t%s\n", k, cell(val))
		}
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
