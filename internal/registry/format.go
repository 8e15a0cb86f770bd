package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"onprem/internal/apperr"
	"onprem/pkg/types"
)

// Format selects how tag listings are rendered. The query behind them is the
// same for every format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatTagsOnly Format = "tags-only"
)

// ParseFormat accepts table, json and tags-only (case-insensitive). Empty
// means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatTagsOnly:
		return f, nil
	default:
		return "", apperr.Config("format", fmt.Sprintf("unknown format %q (want table, json or tags-only)", s), nil)
	}
}

// Write renders entries to w in format f.
func Write(w io.Writer, entries []types.TagEntry, f Format) error {
	switch f {
	case FormatTagsOnly:
		for _, e := range entries {
			if _, err := fmt.Fprintln(w, e.Tag); err != nil {
				return err
			}
		}
		return nil
	case FormatJSON:
		if entries == nil {
			entries = []types.TagEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatTable, "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TAG\tDIGEST")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\n", e.Tag, e.Digest)
		}
		return tw.Flush()
	default:
		return apperr.Config("format", fmt.Sprintf("unknown format %q", string(f)), nil)
	}
}
