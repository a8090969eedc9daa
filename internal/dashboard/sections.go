package dashboard

// Section keys. Each key doubles as the circuit-breaker endpoint key for the
// upstream call that serves it.
const (
	SectionWorkOrders = "work_orders"
	SectionMachines   = "machines"
	SectionRooms      = "rooms"
	SectionUsers      = "users"
)

// WorkOrderSummary aggregates work orders by status.
type WorkOrderSummary struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Overdue    int `json:"overdue"`
}

// MachineSummary aggregates machines by operational state.
type MachineSummary struct {
	Total            int `json:"total"`
	Operational      int `json:"operational"`
	UnderMaintenance int `json:"under_maintenance"`
	Down             int `json:"down"`
}

// RoomSummary aggregates rooms by availability.
type RoomSummary struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	OutOfService int `json:"out_of_service"`
}

// UserSummary aggregates user accounts.
type UserSummary struct {
	Total       int `json:"total"`
	Technicians int `json:"technicians"`
	ActiveToday int `json:"active_today"`
}

// SectionSpec describes one independently fetched dashboard section.
type SectionSpec struct {
	Name string
	Path string
	// New returns a pointer to the zero value the upstream payload decodes
	// into.
	New func() any
}

// DefaultSections is the fixed set of sections the dashboard aggregates.
func DefaultSections() []SectionSpec {
	return []SectionSpec{
		{Name: SectionWorkOrders, Path: "/api/v1/work-orders/summary", New: func() any { return new(WorkOrderSummary) }},
		{Name: SectionMachines, Path: "/api/v1/machines/summary", New: func() any { return new(MachineSummary) }},
		{Name: SectionRooms, Path: "/api/v1/rooms/summary", New: func() any { return new(RoomSummary) }},
		{Name: SectionUsers, Path: "/api/v1/users/summary", New: func() any { return new(UserSummary) }},
	}
}
