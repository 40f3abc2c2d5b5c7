package dispatch

import (
	"fmt"
	"strings"

	"autopilot/internal/adapters"
)

// Table maps tool names to direct adapters. It is immutable once built.
type Table struct {
	adapters map[string]adapters.Adapter
	tools    []string
}

func NewTable(list ...adapters.Adapter) (*Table, error) {
	t := &Table{adapters: make(map[string]adapters.Adapter, len(list))}
	for _, a := range list {
		if a == nil {
			continue
		}
		tool := strings.ToLower(a.Tool())
		if _, dup := t.adapters[tool]; dup {
			return nil, fmt.Errorf("duplicate adapter for tool %q", tool)
		}
		t.adapters[tool] = a
		t.tools = append(t.tools, tool)
	}
	return t, nil
}

func (t *Table) Lookup(tool string) (adapters.Adapter, bool) {
	if t == nil {
		return nil, false
	}
	a, ok := t.adapters[strings.ToLower(tool)]
	return a, ok
}

// Tools lists registered tools in registration order.
func (t *Table) Tools() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.tools))
	copy(out, t.tools)
	return out
}
