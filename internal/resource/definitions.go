package resource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/estatedesk/estatesync/internal/remote"
)

// Definition names one logical resource and how its collection is queried.
type Definition struct {
	// Name is the singular resource name ("bill").
	Name string
	// Table is the remote table backing the resource.
	Table string
	// Order is applied to every fetch.
	Order remote.Order
	// Columns restricts fetched fields; empty means every column.
	Columns []string
}

var (
	Properties = Definition{Name: "property", Table: "properties", Order: remote.NewestFirst}
	Bills      = Definition{Name: "bill", Table: "bills", Order: remote.NewestFirst}
	Staff      = Definition{Name: "staff", Table: "staff", Order: remote.NewestFirst}
	Repairs    = Definition{Name: "repair", Table: "repairs", Order: remote.NewestFirst}

	// PropertyOptions is the compact property list used by pickers,
	// alphabetical by name.
	PropertyOptions = Definition{
		Name:    "property_option",
		Table:   "properties",
		Order:   remote.Order{Field: "name", Ascending: true},
		Columns: []string{"name", "address"},
	}
)

// All lists every predefined resource.
var All = []Definition{Properties, Bills, Staff, Repairs, PropertyOptions}

// Lookup finds a predefined resource by name or table.
func Lookup(name string) (Definition, error) {
	for _, d := range All {
		if d.Name == name || d.Table == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("unknown resource %q", name)
}

// Tables returns the distinct tables of the predefined resources.
func Tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range All {
		if !seen[d.Table] {
			seen[d.Table] = true
			out = append(out, d.Table)
		}
	}
	return out
}

// tableFields lists the columns of each table beyond id and created_at, for
// backends that must name every selected column.
var tableFields = map[string][]string{
	"properties": {"name", "address", "type", "units", "description", "contact_email", "contact_phone"},
	"bills":      {"property_id", "type", "amount", "description", "due_date", "status", "paid_date"},
	"staff":      {"name", "email", "phone", "role", "department"},
	"repairs":    {"property_id", "title", "description", "category", "priority", "status", "requested_date", "completed_date"},
}

// Fields returns the known data columns of table, or nil if it is not a
// predefined table.
func Fields(table string) []string {
	return append([]string(nil), tableFields[table]...)
}

// Schema returns Fields for every predefined table.
func Schema() map[string][]string {
	out := make(map[string][]string, len(tableFields))
	for t := range tableFields {
		out[t] = Fields(t)
	}
	return out
}

// Key identifies a (table, filter) pair, with filter keys sorted.
func Key(table string, filter remote.Filter) string {
	if len(filter) == 0 {
		return table
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filter[k]))
	}
	return table + "?" + strings.Join(parts, "&")
}

// Bill types.
const (
	BillTypeWater         = "water"
	BillTypeElectricity   = "electricity"
	BillTypeServiceCharge = "service_charge"
)

// Statuses shared by bills and repairs.
const (
	StatusPending    = "pending"
	StatusPaid       = "paid"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Property is a managed building or unit.
type Property struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Type         string `json:"type,omitempty"`
	Units        int    `json:"units,omitempty"`
	Description  string `json:"description,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// PropertyOption is the projection served by PropertyOptions.
type PropertyOption struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Bill is a charge raised against a property.
type Bill struct {
	ID          string  `json:"id"`
	PropertyID  string  `json:"property_id,omitempty"`
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	DueDate     string  `json:"due_date,omitempty"`
	Status      string  `json:"status"`
	PaidDate    string  `json:"paid_date,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// StaffMember is a person employed at one or more properties.
type StaffMember struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Repair is a maintenance request.
type Repair struct {
	ID            string `json:"id"`
	PropertyID    string `json:"property_id,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Status        string `json:"status"`
	RequestedDate string `json:"requested_date,omitempty"`
	CompletedDate string `json:"completed_date,omitempty"`
	CreatedAt     string `json:"created_at"`
}
