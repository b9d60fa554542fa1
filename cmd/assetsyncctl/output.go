package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as json or yaml, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(io.Writer) error) error {
	switch strings.ToLower(format) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Round-trip through JSON so yaml keys follow the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		enc.SetIndent(2)
		return enc.Encode(generic)
	case outputTable, "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (table|json|yaml)", format)
	}
}

func batchTable(batches []batchView) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintln(w, "BATCH\tOPERATION\tFIELD\tTOTAL\tOK\tFAILED\tRUNNING\tDONE\tPARENT")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\t%s\n",
				b.ID, b.Operation, b.Field,
				b.Progress.Total, b.Progress.Succeeded, b.Progress.Failed, b.Progress.InProgress,
				b.CompletedAt != nil, dash(b.ParentID))
		}
		return nil
	}
}

func entityTable(b batchView) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "batch %s  %s %s=%v\n\n", b.ID, b.Operation, b.Field, b.Value)
		fmt.Fprintln(w, "ENTITY\tSTATUS\tATTEMPTS\tERROR")
		ids := make([]string, 0, len(b.Entities))
		for id := range b.Entities {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			e := b.Entities[id]
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, e.Status, e.Attempts, dash(e.Error))
		}
		return nil
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
