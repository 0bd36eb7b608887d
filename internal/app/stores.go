package app

import (
	"context"
	"fmt"

	"github.com/estatedesk/estatesync/internal/config"
	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/resource"
)

// Managed is the type-erased view of a resource.Store the daemon needs.
type Managed interface {
	Definition() resource.Definition
	Activate(ctx context.Context) error
	Deactivate() error
	Fetch(ctx context.Context) error
	Status() resource.Status
}

var (
	_ Managed = (*resource.Store[resource.Property])(nil)
	_ Managed = (*resource.Store[resource.Bill])(nil)
)

// newStore creates the typed store for def.
func newStore(svc remote.Service, def resource.Definition, opts ...resource.Option) (Managed, error) {
	switch def.Name {
	case resource.Properties.Name:
		return resource.New[resource.Property](svc, def, opts...), nil
	case resource.PropertyOptions.Name:
		return resource.New[resource.PropertyOption](svc, def, opts...), nil
	case resource.Bills.Name:
		return resource.New[resource.Bill](svc, def, opts...), nil
	case resource.Staff.Name:
		return resource.New[resource.StaffMember](svc, def, opts...), nil
	case resource.Repairs.Name:
		return resource.New[resource.Repair](svc, def, opts...), nil
	}
	return nil, fmt.Errorf("no store type for resource %q", def.Name)
}

// storeFilter converts a config filter into a remote.Filter.
func storeFilter(sc config.StoreConfig) remote.Filter {
	if len(sc.Filter) == 0 {
		return nil
	}
	f := make(remote.Filter, len(sc.Filter))
	for k, v := range sc.Filter {
		f[k] = v
	}
	return f
}
