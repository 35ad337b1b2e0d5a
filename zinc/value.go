package zinc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-skyspark/core"
)

type Kind string

const (
	KindNull     Kind = "null"
	KindStr      Kind = "str"
	KindNumber   Kind = "number"
	KindBool     Kind = "bool"
	KindMarker   Kind = "marker"
	KindRef      Kind = "ref"
	KindDateTime Kind = "dateTime"
)

// Value is one typed wire cell. Exactly one variant is populated, selected
// by Kind; every variant has a single text encoding and decoding path.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Unit string
	Bool bool
	ID   string
	Dis  string
	Time time.Time
	TZ   string
}

func Null() Value { return Value{Kind: KindNull} }

func Str(s string) Value { return Value{Kind: KindStr, Str: s} }

func Number(magnitude float64, unit string) Value {
	return Value{Kind: KindNumber, Num: magnitude, Unit: strings.TrimSpace(unit)}
}

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func Marker() Value { return Value{Kind: KindMarker} }

func Ref(id string, dis string) Value {
	return Value{Kind: KindRef, ID: strings.TrimPrefix(strings.TrimSpace(id), "@"), Dis: dis}
}

func DateTime(t time.Time, tz string) Value {
	return Value{Kind: KindDateTime, Time: t, TZ: strings.TrimSpace(tz)}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindStr:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num && v.Unit == o.Unit
	case KindBool:
		return v.Bool == o.Bool
	case KindRef:
		return v.ID == o.ID && v.Dis == o.Dis
	case KindDateTime:
		return v.Time.Equal(o.Time) && zoneCity(v.TZ) == zoneCity(o.TZ)
	default:
		return true
	}
}

// EscapeString renders s safe for a quoted wire cell. Backslash is escaped
// first, then quote, newline, carriage return, and tab. Any remaining code
// point below 0x20 is deleted; NUL is always deleted, never escaped,
// because downstream parsers may truncate on it.
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Encode renders the value as one wire cell.
func (v Value) Encode() string {
	switch v.Kind {
	case KindStr:
		return `"` + EscapeString(v.Str) + `"`
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64) + v.Unit
	case KindBool:
		if v.Bool {
			return "T"
		}
		return "F"
	case KindMarker:
		return "M"
	case KindRef:
		encoded := "@" + strings.TrimPrefix(v.ID, "@")
		if strings.TrimSpace(v.Dis) != "" {
			encoded += ` "` + EscapeString(v.Dis) + `"`
		}
		return encoded
	case KindDateTime:
		return v.Time.Format(time.RFC3339) + " " + v.zoneName()
	default:
		return "N"
	}
}

// zoneName resolves the IANA-style city name for the value's declared
// timezone. The server round-trips datetimes by zone name, so the name
// comes from the declared zone, never from the UTC offset.
func (v Value) zoneName() string {
	if name := zoneCity(v.TZ); name != "" {
		return name
	}
	if loc := v.Time.Location(); loc != nil {
		if name := zoneCity(loc.String()); name != "" && name != "Local" {
			return name
		}
	}
	return "UTC"
}

// ZoneCity resolves the city name the server expects for a timestamp,
// preferring the declared zone over the time's own location.
func ZoneCity(t time.Time, tz string) string {
	return Value{Kind: KindDateTime, Time: t, TZ: tz}.zoneName()
}

func zoneCity(zone string) string {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return ""
	}
	if idx := strings.LastIndex(zone, "/"); idx >= 0 {
		zone = zone[idx+1:]
	}
	return zone
}

// ParseCell decodes one wire-text cell. The empty cell is handled by the
// grid layer as an absent tag and never reaches this function.
func ParseCell(column string, cell string) (Value, error) {
	switch cell {
	case "N":
		return Null(), nil
	case "M":
		return Marker(), nil
	case "T":
		return Bool(true), nil
	case "F":
		return Bool(false), nil
	}

	switch {
	case strings.HasPrefix(cell, `"`):
		unescaped, err := unescapeQuoted(column, cell)
		if err != nil {
			return Value{}, err
		}
		return Str(unescaped), nil
	case strings.HasPrefix(cell, "@"):
		return parseRefCell(column, cell)
	}

	if v, ok := parseDateTimeCell(cell); ok {
		return v, nil
	}
	if v, ok := parseNumberCell(cell); ok {
		return v, nil
	}
	// Lenient fallback: bare tokens surface as strings rather than failing
	// the whole row.
	return Str(cell), nil
}

func parseRefCell(column string, cell string) (Value, error) {
	body := strings.TrimPrefix(cell, "@")
	if body == "" {
		return Value{}, FormatError(column, "ref cell is missing an id")
	}
	id := body
	dis := ""
	if idx := strings.IndexByte(body, ' '); idx >= 0 {
		id = body[:idx]
		rest := strings.TrimSpace(body[idx+1:])
		if strings.HasPrefix(rest, `"`) {
			unescaped, err := unescapeQuoted(column, rest)
			if err != nil {
				return Value{}, err
			}
			dis = unescaped
		}
	}
	return Ref(id, dis), nil
}

func parseDateTimeCell(cell string) (Value, bool) {
	if len(cell) < len("2006-01-02T15:04:05Z") || cell[4] != '-' || !strings.ContainsRune(cell, 'T') {
		return Value{}, false
	}
	instant := cell
	zone := ""
	if idx := strings.IndexByte(cell, ' '); idx >= 0 {
		instant = cell[:idx]
		zone = strings.TrimSpace(cell[idx+1:])
	}
	t, err := time.Parse(time.RFC3339, instant)
	if err != nil {
		return Value{}, false
	}
	return DateTime(t, zone), true
}

func parseNumberCell(cell string) (Value, bool) {
	if cell == "" {
		return Value{}, false
	}
	first := cell[0]
	if first != '-' && first != '+' && (first < '0' || first > '9') {
		return Value{}, false
	}
	split := len(cell)
	for i := 1; i < len(cell); i++ {
		c := cell[i]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+' {
			continue
		}
		split = i
		break
	}
	magnitude, err := strconv.ParseFloat(cell[:split], 64)
	if err != nil {
		return Value{}, false
	}
	return Number(magnitude, cell[split:]), true
}

func unescapeQuoted(column string, cell string) (string, error) {
	if len(cell) < 2 || !strings.HasSuffix(cell, `"`) {
		return "", FormatError(column, "unterminated string cell")
	}
	body := cell[1 : len(cell)-1]
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", FormatError(column, "dangling escape in string cell")
		}
		switch body[i] {
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			if i+4 >= len(body) {
				return "", FormatError(column, "truncated unicode escape in string cell")
			}
			code, err := strconv.ParseUint(body[i+1:i+5], 16, 32)
			if err != nil {
				return "", FormatError(column, "invalid unicode escape in string cell")
			}
			b.WriteRune(rune(code))
			i += 4
		default:
			// Unknown escapes pass through; lenient decoding policy.
			b.WriteByte(body[i])
		}
	}
	return b.String(), nil
}

// DecodeCell normalizes a structured response cell (plain string or a
// pre-parsed {kind, value, subfields} node) into the same Value a wire
// text cell would produce.
func DecodeCell(column string, raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(typed), nil
	case float64:
		return Number(typed, ""), nil
	case int:
		return Number(float64(typed), ""), nil
	case int64:
		return Number(float64(typed), ""), nil
	case string:
		return decodeStringCell(typed), nil
	case map[string]any:
		return decodeNodeCell(column, typed)
	default:
		return Value{}, FormatError(column, fmt.Sprintf("unsupported cell type %T", raw))
	}
}

// decodeStringCell handles the prefixed scalar encoding some responses use
// for typed values inside plain JSON strings.
func decodeStringCell(s string) Value {
	switch {
	case s == "m:":
		return Marker()
	case strings.HasPrefix(s, "m:"):
		return Marker()
	case strings.HasPrefix(s, "@"):
		return refFromText(strings.TrimPrefix(s, "@"))
	case strings.HasPrefix(s, "r:"):
		return refFromText(strings.TrimPrefix(s, "r:"))
	case strings.HasPrefix(s, "s:"):
		return Str(strings.TrimPrefix(s, "s:"))
	case strings.HasPrefix(s, "n:"):
		if v, ok := parseNumberCell(strings.TrimSpace(strings.TrimPrefix(s, "n:"))); ok {
			return v
		}
		return Str(s)
	case strings.HasPrefix(s, "t:"):
		if v, ok := parseDateTimeCell(strings.TrimSpace(strings.TrimPrefix(s, "t:"))); ok {
			return v
		}
		return Str(s)
	default:
		if v, ok := parseDateTimeCell(s); ok {
			return v
		}
		return Str(s)
	}
}

func refFromText(body string) Value {
	id := strings.TrimSpace(body)
	dis := ""
	if idx := strings.IndexByte(id, ' '); idx >= 0 {
		dis = strings.Trim(strings.TrimSpace(id[idx+1:]), `"`)
		id = id[:idx]
	}
	return Ref(id, dis)
}

func decodeNodeCell(column string, node map[string]any) (Value, error) {
	kind := nodeKind(node)
	// The legacy structured form capitalizes kind names ("Ref", "DateTime").
	switch strings.ToLower(kind) {
	case "marker":
		return Marker(), nil
	case "remove":
		return Null(), nil
	case "ref":
		id, ok := node["val"].(string)
		if !ok || strings.TrimSpace(id) == "" {
			return Value{}, FormatError(column, "ref node is missing val")
		}
		dis, _ := node["dis"].(string)
		return Ref(strings.TrimPrefix(id, "@"), dis), nil
	case "number":
		magnitude, ok := nodeNumber(node["val"])
		if !ok {
			return Value{}, FormatError(column, "number node is missing val")
		}
		unit, _ := node["unit"].(string)
		return Number(magnitude, unit), nil
	case "bool":
		b, ok := node["val"].(bool)
		if !ok {
			return Value{}, FormatError(column, "bool node is missing val")
		}
		return Bool(b), nil
	case "str":
		s, ok := node["val"].(string)
		if !ok {
			return Value{}, FormatError(column, "str node is missing val")
		}
		return Str(s), nil
	case "datetime", "date", "time":
		return decodeDateTimeNode(column, node)
	case "":
		if _, ok := node["val"]; ok {
			return DecodeCell(column, node["val"])
		}
		return Value{}, FormatError(column, "cell node has neither kind nor val")
	default:
		return Value{}, FormatError(column, fmt.Sprintf("unsupported cell kind %q", kind))
	}
}

func decodeDateTimeNode(column string, node map[string]any) (Value, error) {
	val, ok := node["val"].(string)
	if !ok || strings.TrimSpace(val) == "" {
		return Value{}, FormatError(column, "dateTime node is missing val")
	}
	zone, _ := node["tz"].(string)
	instant := val
	if idx := strings.IndexByte(val, ' '); idx >= 0 {
		instant = val[:idx]
		if strings.TrimSpace(zone) == "" {
			zone = strings.TrimSpace(val[idx+1:])
		}
	}
	t, err := time.Parse(time.RFC3339, instant)
	if err != nil {
		return Value{}, FormatError(column, fmt.Sprintf("dateTime node has invalid instant %q", instant))
	}
	return DateTime(t, zone), nil
}

// DecodeRef accepts either a bare string or a structured node and strips a
// leading @ if present.
func DecodeRef(column string, raw any) (Value, error) {
	v, err := DecodeCell(column, raw)
	if err != nil {
		return Value{}, err
	}
	switch v.Kind {
	case KindRef:
		return v, nil
	case KindStr:
		return refFromText(strings.TrimPrefix(v.Str, "@")), nil
	default:
		return Value{}, FormatError(column, fmt.Sprintf("expected ref, got %s", v.Kind))
	}
}

// DecodeMarker accepts either the sentinel token or a structured node with
// kind "marker".
func DecodeMarker(column string, raw any) (Value, error) {
	if s, ok := raw.(string); ok && (s == "M" || s == "m:" || strings.HasPrefix(s, "m:")) {
		return Marker(), nil
	}
	v, err := DecodeCell(column, raw)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != KindMarker {
		return Value{}, FormatError(column, fmt.Sprintf("expected marker, got %s", v.Kind))
	}
	return v, nil
}

// DecodeDateTime accepts either an encoded "<instant> <zone>" string or a
// structured dateTime node.
func DecodeDateTime(column string, raw any) (Value, error) {
	v, err := DecodeCell(column, raw)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != KindDateTime {
		return Value{}, FormatError(column, fmt.Sprintf("expected dateTime, got %s", v.Kind))
	}
	return v, nil
}

func nodeKind(node map[string]any) string {
	if kind, ok := node["_kind"].(string); ok {
		return strings.TrimSpace(kind)
	}
	if kind, ok := node["kind"].(string); ok {
		return strings.TrimSpace(kind)
	}
	return ""
}

func nodeNumber(raw any) (float64, bool) {
	switch typed := raw.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// FormatError builds the codec failure envelope, carrying the offending
// column so callers can point at the bad cell.
func FormatError(column string, message string) error {
	column = strings.TrimSpace(column)
	text := "zinc: " + message
	if column != "" {
		text = fmt.Sprintf("zinc: column %q: %s", column, message)
	}
	err := goerrors.New(text, goerrors.CategoryValidation).
		WithTextCode(core.ClientErrorFormat)
	if column != "" {
		err.WithMetadata(map[string]any{"column": column})
	}
	return err
}
