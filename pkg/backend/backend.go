package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Row is one result record.
type Row = map[string]interface{}

// Query is a validated tool invocation addressed to a tenant data backend.
type Query struct {
	Tool    string                 `json:"tool"`
	Table   string                 `json:"table"`
	Columns []string               `json:"columns,omitempty"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// RewriteIdentifier returns a copy of q with only the failed identifier
// substituted. Column references and filter keys are rewritten; every
// other part of the query is untouched.
func (q Query) RewriteIdentifier(from, to string) Query {
	out := q
	if len(q.Columns) > 0 {
		out.Columns = make([]string, len(q.Columns))
		for i, c := range q.Columns {
			if strings.EqualFold(c, from) {
				out.Columns[i] = to
			} else {
				out.Columns[i] = c
			}
		}
	}
	if len(q.Filters) > 0 {
		out.Filters = make(map[string]interface{}, len(q.Filters))
		for k, v := range q.Filters {
			if strings.EqualFold(k, from) {
				out.Filters[to] = v
			} else {
				out.Filters[k] = v
			}
		}
	}
	return out
}

// Identifiers lists the column identifiers the query references.
func (q Query) Identifiers() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, c := range q.Columns {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for k := range q.Filters {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Conn is one tenant-scoped backend session. Conns are pooled by the
// tenant connection manager and owned by one request at a time.
type Conn interface {
	Query(ctx context.Context, q Query) ([]Row, error)
	Close() error
}

// Dialer opens tenant-scoped backend sessions. Credentials come from the
// tenant credential loader and must not be retained past Dial.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds map[string]string) (Conn, error)
}

// MemoryTable is a fixture-style in-memory table: a column set plus rows.
type MemoryTable struct {
	Columns []string
	Rows    []Row
}

// MemoryBackend serves queries from in-memory tables. It backs the
// backend mock command and unit tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]MemoryTable
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[string]MemoryTable{}}
}

func (m *MemoryBackend) AddTable(name string, t MemoryTable) {
	m.mu.Lock()
	m.tables[name] = t
	m.mu.Unlock()
}

func (m *MemoryBackend) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.tables[q.Table]
	if !ok {
		return nil, TableNotFound(q.Table)
	}
	known := map[string]struct{}{}
	for _, c := range table.Columns {
		known[strings.ToLower(c)] = struct{}{}
	}
	for _, ident := range q.Identifiers() {
		if _, ok := known[strings.ToLower(ident)]; !ok {
			return nil, ColumnNotFound(q.Table, ident, append([]string{}, table.Columns...))
		}
	}
	out := make([]Row, 0, len(table.Rows))
	for _, row := range table.Rows {
		if !matchFilters(row, q.Filters) {
			continue
		}
		out = append(out, projectRow(row, q.Columns))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

// Dial returns the shared memory backend as the tenant session. The mock
// ignores credentials on purpose.
func (m *MemoryBackend) Dial(ctx context.Context, tenantID string, creds map[string]string) (Conn, error) {
	return m, nil
}

func matchFilters(row Row, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := row[k]
		if !ok {
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func projectRow(row Row, columns []string) Row {
	if len(columns) == 0 {
		out := make(Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}
