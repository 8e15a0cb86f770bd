package registry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"onprem/internal/apperr"
	"onprem/pkg/types"
)

var sampleTags = []types.TagEntry{
	{Tag: "latest", Digest: "sha256:aaa"},
	{Tag: "1.4.2", Digest: "sha256:aaa"},
	{Tag: "1.4.1", Digest: "sha256:bbb"},
}

func TestWriteTagsOnly(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleTags, FormatTagsOnly); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := buf.String(), "latest\n1.4.2\n1.4.1\n"; got != want {
		t.Fatalf("want %q got %q", want, got)
	}
	if strings.Contains(buf.String(), "sha256") {
		t.Fatalf("tags-only output must not contain digests")
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleTags, FormatTable); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %q", buf.String())
	}
	if f := strings.Fields(lines[0]); f[0] != "TAG" || f[1] != "DIGEST" {
		t.Fatalf("bad header %q", lines[0])
	}
	if f := strings.Fields(lines[3]); f[0] != "1.4.1" || f[1] != "sha256:bbb" {
		t.Fatalf("bad row %q", lines[3])
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleTags, FormatJSON); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []types.TagEntry
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 3 || got[1].Tag != "1.4.2" || got[2].Digest != "sha256:bbb" {
		t.Fatalf("unexpected json: %+v", got)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, " tags-only ": FormatTagsOnly} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("yaml"); !apperr.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
