package zinc

import (
	"strings"
	"testing"
	"time"
)

func TestEscapeString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "temp sensor", "temp sensor"},
		{"quote", `say "hi"`, `say \"hi\"`},
		{"backslash", `a\b`, `a\\b`},
		{"backslash before quote", `\"`, `\\\"`},
		{"newline", "line1\nline2", `line1\nline2`},
		{"carriage return", "a\rb", `a\rb`},
		{"tab", "a\tb", `a\tb`},
		{"nul deleted", "a\x00b", "ab"},
		{"control deleted", "a\x01\x1fb", "ab"},
		{"injection", `Hack"; DROP TABLE sites; --`, `Hack\"; DROP TABLE sites; --`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EscapeString(tc.in); got != tc.want {
				t.Fatalf("EscapeString(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEscapeStringOrdering(t *testing.T) {
	// Escaping the backslash first must not double-process the sequences
	// it introduces.
	in := "\\n"
	want := `\\n`
	if got := EscapeString(in); got != want {
		t.Fatalf("EscapeString(%q) = %q, want %q", in, got, want)
	}
}

func TestStrEncodeParseRoundTrip(t *testing.T) {
	inputs := []string{
		"simple",
		`with "quotes" inside`,
		"multi\nline\ttabbed",
		`back\slash`,
		`Hack"; DROP TABLE sites; --`,
	}
	for _, in := range inputs {
		encoded := Str(in).Encode()
		parsed, err := ParseCell("dis", encoded)
		if err != nil {
			t.Fatalf("ParseCell(%q): %v", encoded, err)
		}
		if parsed.Kind != KindStr || parsed.Str != in {
			t.Fatalf("round trip of %q: got %q", in, parsed.Str)
		}
	}
}

func TestEncodeScalars(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"null", Null(), "N"},
		{"marker", Marker(), "M"},
		{"true", Bool(true), "T"},
		{"false", Bool(false), "F"},
		{"number", Number(72.5, ""), "72.5"},
		{"number with unit", Number(72.5, "°F"), "72.5°F"},
		{"ref", Ref("p:demo:r:abc-123", ""), "@p:demo:r:abc-123"},
		{"ref with dis", Ref("abc", "Main AHU"), `@abc "Main AHU"`},
		{"ref strips at", Ref("@abc", ""), "@abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.Encode(); got != tc.want {
				t.Fatalf("Encode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEncodeDateTimeUsesZoneName(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, loc)
	encoded := DateTime(ts, "America/New_York").Encode()
	if !strings.HasSuffix(encoded, " New_York") {
		t.Fatalf("encoded datetime %q should end with the zone city, not an offset", encoded)
	}
	if !strings.Contains(encoded, "2024-01-15T10:30:00-05:00") {
		t.Fatalf("encoded datetime %q is missing the timestamp", encoded)
	}
}

func TestParseCellScalars(t *testing.T) {
	cases := []struct {
		cell string
		want Value
	}{
		{"N", Null()},
		{"M", Marker()},
		{"T", Bool(true)},
		{"F", Bool(false)},
		{"42", Number(42, "")},
		{"-1.5", Number(-1.5, "")},
		{"72.5°F", Number(72.5, "°F")},
		{"@p:demo:r:abc", Ref("p:demo:r:abc", "")},
		{`@abc "Main AHU"`, Ref("abc", "Main AHU")},
	}
	for _, tc := range cases {
		got, err := ParseCell("col", tc.cell)
		if err != nil {
			t.Fatalf("ParseCell(%q): %v", tc.cell, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseCell(%q) = %+v, want %+v", tc.cell, got, tc.want)
		}
	}
}

func TestParseCellDateTime(t *testing.T) {
	got, err := ParseCell("ts", "2024-01-15T10:30:00-05:00 New_York")
	if err != nil {
		t.Fatalf("ParseCell: %v", err)
	}
	if got.Kind != KindDateTime {
		t.Fatalf("kind = %q, want %q", got.Kind, KindDateTime)
	}
	if !got.Time.Equal(time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("parsed instant = %v", got.Time)
	}
}

func TestParseCellLenientFallback(t *testing.T) {
	// Unrecognized bare text decodes as a string rather than failing the
	// whole grid.
	got, err := ParseCell("col", "warmday")
	if err != nil {
		t.Fatalf("ParseCell: %v", err)
	}
	if got.Kind != KindStr || got.Str != "warmday" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseCellUnterminatedString(t *testing.T) {
	if _, err := ParseCell("dis", `"unterminated`); err == nil {
		t.Fatal("expected a format error for an unterminated string")
	}
}

func TestDecodeCellStructuredNodes(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want Value
	}{
		{"nil", nil, Null()},
		{"bool", true, Bool(true)},
		{"number", 72.5, Number(72.5, "")},
		{"plain string", "hello", Str("hello")},
		{"prefixed string", "s:hello", Str("hello")},
		{"marker prefix", "m:", Marker()},
		{"ref text", "@abc", Ref("abc", "")},
		{"ref prefix", "r:abc Main AHU", Ref("abc", "Main AHU")},
		{"number prefix", "n:42", Number(42, "")},
		{
			"marker node",
			map[string]any{"_kind": "marker"},
			Marker(),
		},
		{
			"ref node",
			map[string]any{"_kind": "ref", "val": "p:demo:r:abc", "dis": "AHU"},
			Ref("p:demo:r:abc", "AHU"),
		},
		{
			"number node with unit",
			map[string]any{"_kind": "number", "val": 72.5, "unit": "°F"},
			Number(72.5, "°F"),
		},
		{
			"legacy kind key",
			map[string]any{"kind": "Ref", "val": "abc"},
			Ref("abc", ""),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCell("col", tc.raw)
			if err != nil {
				t.Fatalf("DecodeCell: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("DecodeCell = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeCellDateTimeNode(t *testing.T) {
	got, err := DecodeCell("mod", map[string]any{
		"_kind": "dateTime",
		"val":   "2024-01-15T10:30:00-05:00",
		"tz":    "New_York",
	})
	if err != nil {
		t.Fatalf("DecodeCell: %v", err)
	}
	if got.Kind != KindDateTime || got.TZ != "New_York" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeCellDateTimeNodeMissingVal(t *testing.T) {
	_, err := DecodeCell("mod", map[string]any{"_kind": "dateTime", "tz": "UTC"})
	if err == nil {
		t.Fatal("expected a format error for a dateTime node with no val")
	}
	if !strings.Contains(err.Error(), `column "mod"`) {
		t.Fatalf("error %q should name the column", err)
	}
}

func TestValueEqual(t *testing.T) {
	if !Number(1, "kW").Equal(Number(1, "kW")) {
		t.Fatal("equal numbers reported unequal")
	}
	if Number(1, "kW").Equal(Number(1, "W")) {
		t.Fatal("different units reported equal")
	}
	if Str("a").Equal(Null()) {
		t.Fatal("different kinds reported equal")
	}
}
