package postgres

import (
	"strconv"
	"strings"
)

// Where accumulates AND-ed predicates with numbered placeholders. Clauses use
// ? for arguments; they are renumbered to $N in order of addition.
type Where struct {
	clauses []string
	args    []any
}

// Add appends clause, binding one argument per ?.
func (w *Where) Add(clause string, args ...any) *Where {
	var b strings.Builder
	next := 0
	for i := 0; i < len(clause); i++ {
		if clause[i] == '?' && next < len(args) {
			w.args = append(w.args, args[next])
			next++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(w.args)))
			continue
		}
		b.WriteByte(clause[i])
	}
	w.clauses = append(w.clauses, b.String())
	return w
}

// Arg binds v without a clause and returns its placeholder, for LIMIT/OFFSET.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

// SQL renders "WHERE a AND b", or "" when empty.
func (w *Where) SQL() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

// Args returns the bound arguments.
func (w *Where) Args() []any {
	return w.args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains builds an ILIKE pattern matching s anywhere, with wildcards in s
// taken literally.
func Contains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
