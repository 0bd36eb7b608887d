package hasura

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/estatedesk/estatesync/internal/remote"
)

func TestSelectQuery(t *testing.T) {
	doc, vars := SelectQuery(remote.Query{
		Table:   "properties",
		Order:   remote.Order{Field: "name", Ascending: true},
		Columns: []string{"name", "address"},
	}, []string{"name", "address", "units"})

	assert.Equal(t, "query ($where: properties_bool_exp!) { properties(where: $where, order_by: {name: asc}) { id created_at name address } }", doc)
	assert.Equal(t, map[string]any{}, vars["where"])
}

func TestSelectQueryWithoutOrder(t *testing.T) {
	doc, _ := SelectQuery(remote.Query{Table: "staff"}, []string{"name"})
	assert.Equal(t, "query ($where: staff_bool_exp!) { staff(where: $where) { id created_at name } }", doc)
}

func TestMutations(t *testing.T) {
	doc, vars := UpdateMutation("repairs", "uuid", []string{"status"}, "r1", remote.Row{"status": "completed"})
	assert.Equal(t, "mutation ($id: uuid!, $set: repairs_set_input!) { update_repairs_by_pk(pk_columns: {id: $id}, _set: $set) { id created_at status } }", doc)
	assert.Equal(t, "r1", vars["id"])

	doc, _ = DeleteMutation("repairs", "String", "r1")
	assert.Equal(t, "mutation ($id: String!) { delete_repairs_by_pk(id: $id) { id } }", doc)

	doc, _ = CountQuery("bills", nil)
	assert.Equal(t, "query ($where: bills_bool_exp!) { bills_aggregate(where: $where) { aggregate { count } } }", doc)
}

func TestLiveQuery(t *testing.T) {
	assert.Equal(t,
		"subscription { bills_aggregate { aggregate { count max { updated_at } } } }",
		LiveQuery("bills", "updated_at"))
}
