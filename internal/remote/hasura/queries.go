package hasura

import (
	"fmt"
	"strings"

	"github.com/estatedesk/estatesync/internal/remote"
)

// selection renders the field list selected for a table. id and
// created_at always come first.
func selection(fields, columns []string) string {
	out := []string{remote.FieldID, remote.FieldCreatedAt}
	pick := fields
	if len(columns) > 0 {
		pick = columns
	}
	for _, f := range pick {
		if f == remote.FieldID || f == remote.FieldCreatedAt {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// BoolExp converts an equality filter into a Hasura boolean expression.
func BoolExp(f remote.Filter) map[string]any {
	where := make(map[string]any, len(f))
	for k, v := range f {
		if v == nil {
			where[k] = map[string]any{"_is_null": true}
			continue
		}
		where[k] = map[string]any{"_eq": v}
	}
	return where
}

func orderBy(o remote.Order) string {
	if o.Field == "" {
		return ""
	}
	dir := "desc"
	if o.Ascending {
		dir = "asc"
	}
	return fmt.Sprintf(", order_by: {%s: %s}", o.Field, dir)
}

// SelectQuery builds the query document and variables for q.
func SelectQuery(q remote.Query, fields []string) (string, map[string]any) {
	doc := fmt.Sprintf("query ($where: %s_bool_exp!) { %s(where: $where%s) { %s } }",
		q.Table, q.Table, orderBy(q.Order), selection(fields, q.Columns))
	return doc, map[string]any{"where": BoolExp(q.Filter)}
}

// InsertMutation builds the insert_<table>_one mutation.
func InsertMutation(table string, fields []string, object remote.Row) (string, map[string]any) {
	doc := fmt.Sprintf("mutation ($object: %s_insert_input!) { insert_%s_one(object: $object) { %s } }",
		table, table, selection(fields, nil))
	return doc, map[string]any{"object": object}
}

// UpdateMutation builds the update_<table>_by_pk mutation.
func UpdateMutation(table, idType string, fields []string, id string, set remote.Row) (string, map[string]any) {
	doc := fmt.Sprintf("mutation ($id: %s!, $set: %s_set_input!) { update_%s_by_pk(pk_columns: {id: $id}, _set: $set) { %s } }",
		idType, table, table, selection(fields, nil))
	return doc, map[string]any{"id": id, "set": set}
}

// DeleteMutation builds the delete_<table>_by_pk mutation.
func DeleteMutation(table, idType, id string) (string, map[string]any) {
	doc := fmt.Sprintf("mutation ($id: %s!) { delete_%s_by_pk(id: $id) { id } }", idType, table)
	return doc, map[string]any{"id": id}
}

// CountQuery builds the <table>_aggregate count query.
func CountQuery(table string, f remote.Filter) (string, map[string]any) {
	doc := fmt.Sprintf("query ($where: %s_bool_exp!) { %s_aggregate(where: $where) { aggregate { count } } }", table, table)
	return doc, map[string]any{"where": BoolExp(f)}
}

// LiveQuery builds the subscription used as a change signal. The result
// changes whenever a row is inserted or deleted or the change column moves.
func LiveQuery(table, changeColumn string) string {
	return fmt.Sprintf("subscription { %s_aggregate { aggregate { count max { %s } } } }", table, changeColumn)
}
