package skyspark

import (
	"context"
	"fmt"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-skyspark/core"
	"github.com/goliatone/go-skyspark/zinc"
)

// Read executes the read op with a Haystack filter expression and returns
// the matching rows.
func (c *Client) Read(ctx context.Context, filter string) ([]zinc.Row, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, badInputError("read filter is required")
	}
	grid, err := c.PostGrid(ctx, "read", zinc.Grid{
		Meta: zinc.Meta{Ver: zinc.Version},
		Cols: []string{"filter"},
		Rows: []zinc.Row{{"filter": zinc.Str(filter)}},
	})
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

// ReadByID returns the entity with the given id, or a not-found error.
func (c *Client) ReadByID(ctx context.Context, entityID string) (zinc.Row, error) {
	entityID = normalizeEntityID(entityID)
	if entityID == "" {
		return nil, badInputError("entity id is required")
	}
	rows, err := c.Read(ctx, "id==@"+entityID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFoundError("read")
	}
	return rows[0], nil
}

// ReadByIDs reads multiple entities with one filter disjunction. Missing
// ids are simply absent from the result.
func (c *Client) ReadByIDs(ctx context.Context, entityIDs []string) ([]zinc.Row, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		id = normalizeEntityID(id)
		if id == "" {
			return nil, badInputError("entity id is required")
		}
		parts = append(parts, "id==@"+id)
	}
	return c.Read(ctx, strings.Join(parts, " or "))
}

func (c *Client) ReadSites(ctx context.Context) ([]zinc.Row, error) {
	return c.Read(ctx, "site")
}

// ReadEquipment reads equip entities, optionally scoped to a site.
func (c *Client) ReadEquipment(ctx context.Context, siteRef string) ([]zinc.Row, error) {
	filter := "equip"
	if ref := normalizeEntityID(siteRef); ref != "" {
		filter += " and siteRef==@" + ref
	}
	return c.Read(ctx, filter)
}

// ReadPoints reads point entities, optionally scoped to a site and an
// equip.
func (c *Client) ReadPoints(ctx context.Context, siteRef string, equipRef string) ([]zinc.Row, error) {
	filter := "point"
	if ref := normalizeEntityID(siteRef); ref != "" {
		filter += " and siteRef==@" + ref
	}
	if ref := normalizeEntityID(equipRef); ref != "" {
		filter += " and equipRef==@" + ref
	}
	return c.Read(ctx, filter)
}

// Commit posts a commit grid with the given action. Update and remove rows
// must carry an id.
func (c *Client) Commit(ctx context.Context, action string, rows []zinc.Row) ([]zinc.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	switch action {
	case zinc.CommitAdd, zinc.CommitUpdate, zinc.CommitRemove:
	default:
		return nil, badInputError(fmt.Sprintf("unknown commit action %q", action))
	}
	if action != zinc.CommitAdd {
		for i, row := range rows {
			if !row.Has("id") {
				return nil, badInputError(fmt.Sprintf("commit %s row %d has no id", action, i))
			}
		}
	}
	grid, err := c.PostGrid(ctx, "commit", zinc.Grid{
		Meta: zinc.Meta{Ver: zinc.Version, Commit: action},
		Cols: commitColumns(rows),
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

// DeleteEntity removes one entity. The server requires the entity's mod
// timestamp for optimistic locking, so the entity is read first; a delete
// races with a concurrent update rather than clobbering it.
func (c *Client) DeleteEntity(ctx context.Context, entityID string) error {
	entityID = normalizeEntityID(entityID)
	if entityID == "" {
		return badInputError("entity id is required")
	}
	row, err := c.ReadByID(ctx, entityID)
	if err != nil {
		return err
	}
	mod, ok := row.Get("mod")
	if !ok {
		return c.errorMapper(zinc.FormatError("mod", "entity has no mod timestamp"))
	}
	_, err = c.Commit(ctx, zinc.CommitRemove, []zinc.Row{{
		"id":  zinc.Ref(entityID, ""),
		"mod": mod,
	}})
	return err
}

// DeleteEntities removes entities by id only, skipping the per-entity mod
// read. Zero ids is a no-op.
func (c *Client) DeleteEntities(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	rows := make([]zinc.Row, 0, len(entityIDs))
	for _, id := range entityIDs {
		id = normalizeEntityID(id)
		if id == "" {
			return badInputError("entity id is required")
		}
		rows = append(rows, zinc.Row{"id": zinc.Ref(id, "")})
	}
	_, err := c.Commit(ctx, zinc.CommitRemove, rows)
	return err
}

// Eval evaluates one Axon expression on the server.
func (c *Client) Eval(ctx context.Context, expr string) ([]zinc.Row, error) {
	return c.EvalAll(ctx, []string{expr})
}

// EvalAll posts a batch of Axon expressions to the evalAll op.
func (c *Client) EvalAll(ctx context.Context, exprs []string) ([]zinc.Row, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	rows := make([]zinc.Row, 0, len(exprs))
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil, badInputError("expression is required")
		}
		rows = append(rows, zinc.Row{"expr": zinc.Str(expr)})
	}
	grid, err := c.PostGrid(ctx, "evalAll", zinc.Grid{
		Meta: zinc.Meta{Ver: zinc.Version},
		Cols: []string{"expr"},
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}
	return grid.Rows, nil
}

// About returns the server's project-info row.
func (c *Client) About(ctx context.Context) (zinc.Row, error) {
	grid, err := c.GetGrid(ctx, "about")
	if err != nil {
		return nil, err
	}
	row, ok := grid.First()
	if !ok {
		return nil, c.errorMapper(zinc.FormatError("about", "about response has no rows"))
	}
	return row, nil
}

// ProjectTimezone reads the project timezone from the about op, falling
// back to UTC when the server does not report one.
func (c *Client) ProjectTimezone(ctx context.Context) (string, error) {
	row, err := c.About(ctx)
	if err != nil {
		return "", err
	}
	if tz := strings.TrimSpace(row.Str("tz")); tz != "" {
		return tz, nil
	}
	return "UTC", nil
}

func commitColumns(rows []zinc.Row) []string {
	seen := map[string]bool{}
	cols := []string{}
	appendCol := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		cols = append(cols, name)
	}
	// id and mod lead when present, matching server conventions.
	for _, lead := range []string{"id", "mod"} {
		for _, row := range rows {
			if row.Has(lead) {
				appendCol(lead)
				break
			}
		}
	}
	rest := []string{}
	for _, row := range rows {
		for name := range row {
			if !seen[name] {
				rest = append(rest, name)
				seen[name] = true
			}
		}
	}
	sort.Strings(rest)
	cols = append(cols, rest...)
	return cols
}

func normalizeEntityID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "@")
}

func badInputError(message string) error {
	return goerrors.New("skyspark: "+message, goerrors.CategoryBadInput).
		WithTextCode(core.ClientErrorBadInput)
}
