package meshagent

import (
	"context"
	"strings"
)

// Join parses spaces as a comma- or whitespace-separated list of space
// names, trims and deduplicates them, and joins each: the local space
// set is updated and a COMMAND is sent to the broker. Joined spaces are
// re-announced automatically on every reconnect.
func (a *Agent) Join(ctx context.Context, spaces string) error {
	for _, space := range splitSpaces(spaces) {
		if err := a.conn.Join(ctx, space); err != nil {
			return err
		}
	}
	return nil
}

// Leave parses spaces the same way Join does and leaves each one.
func (a *Agent) Leave(ctx context.Context, spaces string) error {
	for _, space := range splitSpaces(spaces) {
		if err := a.conn.Leave(ctx, space); err != nil {
			return err
		}
	}
	return nil
}

// splitSpaces splits on commas and whitespace, trims, dedupes, and
// drops empty entries.
func splitSpaces(spaces string) []string {
	fields := strings.FieldsFunc(spaces, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
