package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hostedid/mfacore/internal/model"
)

// whereBuilder accumulates AND-ed conditions with positional placeholders
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(w.args))
	}
	return b.String()
}

func eventWhere(f model.EventFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.PrincipalID != "" {
		w.add("principal_id = $%d", f.PrincipalID)
	}
	if len(f.EventTypes) > 0 {
		w.add("event_type = ANY($%d)", pq.Array(f.EventTypes))
	}
	if len(f.Categories) > 0 {
		w.add("category = ANY($%d)", pq.Array(stringsOf(f.Categories)))
	}
	if len(f.Severities) > 0 {
		w.add("severity = ANY($%d)", pq.Array(stringsOf(f.Severities)))
	}
	timeRange(w, f.Since, f.Until)
	return w
}

func auditWhere(f model.AuditFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.PrincipalID != "" {
		w.add("principal_id = $%d", f.PrincipalID)
	}
	if f.Action != "" {
		w.add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		w.add("resource_type = $%d", f.ResourceType)
	}
	timeRange(w, f.Since, f.Until)
	return w
}

func timeRange(w *whereBuilder, since, until time.Time) {
	if !since.IsZero() {
		w.add("created_at >= $%d", since)
	}
	if !until.IsZero() {
		w.add("created_at < $%d", until)
	}
}

func stringsOf[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
