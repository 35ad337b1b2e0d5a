package zinc

import (
	"encoding/json"
	"fmt"
	"strings"
)

const Version = "3.0"

const (
	CommitAdd    = "add"
	CommitUpdate = "update"
	CommitRemove = "remove"
)

// Meta is the grid meta-line: format version plus, for mutations, the
// commit action. Server responses additionally use it to carry in-band
// errors inside a success-shaped envelope.
type Meta struct {
	Ver      string
	Commit   string
	Err      bool
	Dis      string
	ErrTrace string
}

type Row map[string]Value

func (r Row) Get(col string) (Value, bool) {
	v, ok := r[col]
	return v, ok
}

func (r Row) Str(col string) string {
	if v, ok := r[col]; ok && v.Kind == KindStr {
		return v.Str
	}
	return ""
}

func (r Row) RefID(col string) string {
	v, ok := r[col]
	if !ok {
		return ""
	}
	switch v.Kind {
	case KindRef:
		return v.ID
	case KindStr:
		return strings.TrimPrefix(v.Str, "@")
	default:
		return ""
	}
}

func (r Row) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// Grid is the wire format's tabular unit: ordered named columns plus rows
// of typed cells. Absent row entries mean "no such tag".
type Grid struct {
	Meta Meta
	Cols []string
	Rows []Row
}

func (g Grid) First() (Row, bool) {
	if len(g.Rows) == 0 {
		return nil, false
	}
	return g.Rows[0], true
}

// ErrMessage reports the in-band error carried by a response meta-line,
// if any.
func (g Grid) ErrMessage() (string, bool) {
	if !g.Meta.Err {
		return "", false
	}
	msg := strings.TrimSpace(g.Meta.Dis)
	if msg == "" {
		msg = "server reported an unspecified grid error"
	}
	return msg, true
}

type DecodeOptions struct {
	// Strict rejects rows referencing columns not declared in the header.
	// The default is lenient: unknown row keys are ignored, a documented
	// policy rather than silent corruption.
	Strict bool
}

// EncodeGrid renders the grid as wire text: meta-line, header line, then
// one line per row with one cell per column and empty cells for absent
// values. Columns whose trimmed name is empty are dropped; this is
// required behavior, not a bug.
func EncodeGrid(g Grid) (string, error) {
	switch g.Meta.Commit {
	case "", CommitAdd, CommitUpdate, CommitRemove:
	default:
		return "", FormatError("", fmt.Sprintf("unknown commit action %q", g.Meta.Commit))
	}

	cols := make([]string, 0, len(g.Cols))
	seen := make(map[string]struct{}, len(g.Cols))
	for _, col := range g.Cols {
		trimmed := strings.TrimSpace(col)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			return "", FormatError(trimmed, "duplicate column name")
		}
		seen[trimmed] = struct{}{}
		cols = append(cols, trimmed)
	}
	if len(cols) == 0 {
		return "", FormatError("", "grid has no non-empty columns")
	}

	var b strings.Builder
	ver := g.Meta.Ver
	if ver == "" {
		ver = Version
	}
	b.WriteString(`ver:"` + EscapeString(ver) + `"`)
	if g.Meta.Commit != "" {
		b.WriteString(` commit:"` + g.Meta.Commit + `"`)
	}
	b.WriteByte('\n')

	b.WriteString(strings.Join(cols, ", "))
	b.WriteByte('\n')

	for _, row := range g.Rows {
		cells := make([]string, len(cols))
		for i, col := range cols {
			if v, ok := row[col]; ok {
				cells[i] = v.Encode()
			}
		}
		b.WriteString(strings.Join(cells, ", "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// DecodeGrid normalizes a response payload into a Grid. It accepts both
// raw wire text and the pre-parsed structured form (an object with
// meta/cols/rows arrays).
func DecodeGrid(body []byte, options ...DecodeOptions) (Grid, error) {
	opts := DecodeOptions{}
	if len(options) > 0 {
		opts = options[0]
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Grid{}, FormatError("", "empty response payload")
	}
	if trimmed[0] == '{' {
		return decodeJSONGrid([]byte(trimmed), opts)
	}
	return decodeTextGrid(trimmed, opts)
}

type jsonGrid struct {
	Meta map[string]any   `json:"meta"`
	Cols []map[string]any `json:"cols"`
	Rows []map[string]any `json:"rows"`
}

func decodeJSONGrid(body []byte, opts DecodeOptions) (Grid, error) {
	var payload jsonGrid
	if err := json.Unmarshal(body, &payload); err != nil {
		return Grid{}, FormatError("", fmt.Sprintf("malformed structured grid: %v", err))
	}

	grid := Grid{Meta: decodeJSONMeta(payload.Meta)}

	colSet := make(map[string]struct{}, len(payload.Cols))
	for _, col := range payload.Cols {
		name, _ := col["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		colSet[name] = struct{}{}
		grid.Cols = append(grid.Cols, name)
	}

	for _, rawRow := range payload.Rows {
		row := make(Row, len(rawRow))
		for col, cell := range rawRow {
			if _, declared := colSet[col]; !declared {
				if opts.Strict {
					return Grid{}, FormatError(col, "row references a column not declared in the header")
				}
				continue
			}
			if cell == nil {
				continue
			}
			value, err := DecodeCell(col, cell)
			if err != nil {
				return Grid{}, err
			}
			row[col] = value
		}
		grid.Rows = append(grid.Rows, row)
	}
	return grid, nil
}

func decodeJSONMeta(meta map[string]any) Meta {
	decoded := Meta{Ver: Version}
	if meta == nil {
		return decoded
	}
	if ver, ok := meta["ver"].(string); ok && strings.TrimSpace(ver) != "" {
		decoded.Ver = strings.TrimSpace(ver)
	}
	if raw, ok := meta["err"]; ok && raw != nil {
		if v, err := DecodeCell("err", raw); err == nil && v.Kind == KindMarker {
			decoded.Err = true
		}
	}
	if dis, ok := meta["dis"].(string); ok {
		decoded.Dis = strings.TrimPrefix(dis, "s:")
	}
	if trace, ok := meta["errTrace"].(string); ok {
		decoded.ErrTrace = strings.TrimPrefix(trace, "s:")
	}
	return decoded
}

func decodeTextGrid(text string, opts DecodeOptions) (Grid, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return Grid{}, FormatError("", "grid text is missing its header line")
	}

	meta, err := parseMetaLine(lines[0])
	if err != nil {
		return Grid{}, err
	}
	grid := Grid{Meta: meta}

	headerCells := splitCells(lines[1])
	names := make([]string, len(headerCells))
	for i, cell := range headerCells {
		name := strings.TrimSpace(cell)
		names[i] = name
		if name != "" {
			grid.Cols = append(grid.Cols, name)
		}
	}

	for lineNo, line := range lines[2:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := splitCells(line)
		if len(cells) > len(names) && opts.Strict {
			return Grid{}, FormatError("", fmt.Sprintf("row %d has %d cells for %d columns", lineNo+1, len(cells), len(names)))
		}
		row := Row{}
		for i, cell := range cells {
			if i >= len(names) || names[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			value, parseErr := ParseCell(names[i], cell)
			if parseErr != nil {
				return Grid{}, parseErr
			}
			row[names[i]] = value
		}
		grid.Rows = append(grid.Rows, row)
	}
	return grid, nil
}

// parseMetaLine reads the `key:"value"` pairs and bare marker keys of a
// grid meta-line.
func parseMetaLine(line string) (Meta, error) {
	meta := Meta{Ver: Version}
	rest := strings.TrimSpace(line)
	if rest == "" {
		return Meta{}, FormatError("", "grid text is missing its meta-line")
	}
	for rest != "" {
		cut := strings.IndexAny(rest, ": ")
		var key, remainder string
		if cut < 0 {
			key, remainder = rest, ""
		} else if rest[cut] == ' ' {
			key, remainder = rest[:cut], strings.TrimSpace(rest[cut+1:])
		} else {
			key = rest[:cut]
			valueText, after, err := readMetaValue(rest[cut+1:])
			if err != nil {
				return Meta{}, err
			}
			remainder = strings.TrimSpace(after)
			switch key {
			case "ver":
				meta.Ver = valueText
			case "commit":
				meta.Commit = valueText
			case "dis":
				meta.Dis = valueText
			case "errTrace":
				meta.ErrTrace = valueText
			}
			rest = remainder
			continue
		}
		if key == "err" {
			meta.Err = true
		}
		rest = remainder
	}
	if strings.TrimSpace(meta.Ver) == "" {
		return Meta{}, FormatError("", "grid meta-line is missing ver")
	}
	return meta, nil
}

func readMetaValue(rest string) (string, string, error) {
	if rest == "" {
		return "", "", FormatError("", "grid meta-line has a key with no value")
	}
	if rest[0] != '"' {
		// Unquoted scalar meta value; read to the next space.
		if idx := strings.IndexByte(rest, ' '); idx >= 0 {
			return rest[:idx], rest[idx+1:], nil
		}
		return rest, "", nil
	}
	for i := 1; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			i++
		case '"':
			value, err := unescapeQuoted("", rest[:i+1])
			if err != nil {
				return "", "", err
			}
			return value, rest[i+1:], nil
		}
	}
	return "", "", FormatError("", "unterminated quoted value in grid meta-line")
}

// splitCells splits a grid line on commas, respecting quoted cells and
// their escapes.
func splitCells(line string) []string {
	var cells []string
	var current strings.Builder
	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(line):
			current.WriteByte(c)
			i++
			current.WriteByte(line[i])
		case c == '"':
			inQuote = !inQuote
			current.WriteByte(c)
		case c == ',' && !inQuote:
			cells = append(cells, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	cells = append(cells, current.String())
	return cells
}
