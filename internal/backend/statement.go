package backend

import (
	"fmt"
	"strings"

	"github.com/janovincze/sqlsink/internal/operation"
)

// dialect captures the per-engine differences in statement text.
type dialect struct {
	// quoteIdent quotes one identifier part.
	quoteIdent func(string) string

	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string

	// upsertClause renders the conflict clause appended to an INSERT.
	upsertClause func(d dialect, conflictKey, update []string) string
}

// statement is a parameterized SQL statement ready to execute.
type statement struct {
	query string
	args  []any
}

func (d dialect) table(name string) string {
	parts := operation.TableParts(name)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = d.quoteIdent(p)
	}
	return strings.Join(quoted, ".")
}

func (d dialect) columnList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// build translates op into exactly one statement. Values are always bound as
// parameters; identifiers are quoted.
func (d dialect) build(op operation.Operation) (statement, error) {
	switch op.Kind {
	case operation.KindInsert:
		return d.insert(op.Table, op.Columns), nil
	case operation.KindUpdate:
		return d.update(op.Table, op.Set, op.Key), nil
	case operation.KindDelete:
		return d.delete(op.Table, op.Key), nil
	case operation.KindUpsert:
		return d.upsert(op.Table, op.Columns, op.ConflictKey), nil
	}
	return statement{}, fmt.Errorf("%w: %q", operation.ErrUnknownVariant, op.Kind)
}

func (d dialect) insert(table string, cols []operation.Column) statement {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		params[i] = d.placeholder(i + 1)
		args[i] = c.Value.Any()
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.table(table), d.columnList(names), strings.Join(params, ", "))
	return statement{query: query, args: args}
}

func (d dialect) update(table string, set, key []operation.Column) statement {
	args := make([]any, 0, len(set)+len(key))
	assignments := make([]string, len(set))
	for i, c := range set {
		args = append(args, c.Value.Any())
		assignments[i] = fmt.Sprintf("%s = %s", d.quoteIdent(c.Name), d.placeholder(len(args)))
	}
	where, args := d.where(key, args)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.table(table), strings.Join(assignments, ", "), where)
	return statement{query: query, args: args}
}

func (d dialect) delete(table string, key []operation.Column) statement {
	where, args := d.where(key, nil)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", d.table(table), where)
	return statement{query: query, args: args}
}

// where renders an AND-conjunction over key, continuing parameter numbering
// after args. Null key values compare with IS NULL.
func (d dialect) where(key []operation.Column, args []any) (string, []any) {
	parts := make([]string, len(key))
	for i, c := range key {
		if c.Value.IsNull() {
			parts[i] = d.quoteIdent(c.Name) + " IS NULL"
			continue
		}
		args = append(args, c.Value.Any())
		parts[i] = fmt.Sprintf("%s = %s", d.quoteIdent(c.Name), d.placeholder(len(args)))
	}
	return strings.Join(parts, " AND "), args
}

func (d dialect) upsert(table string, cols []operation.Column, conflictKey []string) statement {
	stmt := d.insert(table, cols)
	keys := make(map[string]struct{}, len(conflictKey))
	for _, k := range conflictKey {
		keys[k] = struct{}{}
	}
	var update []string
	for _, c := range cols {
		if _, ok := keys[c.Name]; !ok {
			update = append(update, c.Name)
		}
	}
	stmt.query += " " + d.upsertClause(d, conflictKey, update)
	return stmt
}

// onConflictClause is the Postgres and SQLite upsert form.
func onConflictClause(d dialect, conflictKey, update []string) string {
	target := d.columnList(conflictKey)
	if len(update) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	assignments := make([]string, len(update))
	for i, name := range update {
		q := d.quoteIdent(name)
		assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(assignments, ", "))
}

// onDuplicateKeyClause is the MySQL upsert form. MySQL resolves against any
// unique index, so the conflict key only determines which columns are left
// untouched.
func onDuplicateKeyClause(d dialect, conflictKey, update []string) string {
	if len(update) == 0 {
		q := d.quoteIdent(conflictKey[0])
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", q, q)
	}
	assignments := make([]string, len(update))
	for i, name := range update {
		q := d.quoteIdent(name)
		assignments[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(assignments, ", ")
}

// quoteWith wraps value in quote, doubling embedded quote characters.
func quoteWith(quote string) func(string) string {
	return func(value string) string {
		return quote + strings.ReplaceAll(value, quote, quote+quote) + quote
	}
}

func dollarPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func questionPlaceholder(int) string {
	return "?"
}
