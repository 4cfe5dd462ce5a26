package enum

// ── Group A: State machines (CHECK constrained in DB) ──

const (
	OrderStatusQueued    = "queued"
	OrderStatusPreparing = "preparing"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Item state is derived from completed_at / cancelled, never stored.
const (
	ItemStateLive      = "live"
	ItemStateDone      = "done"
	ItemStateCancelled = "cancelled"
)

// ── Group B: Borderline (CHECK constrained in DB) ──

const (
	UserRoleAdmin    = "ADMIN"
	UserRoleStaff    = "STAFF"
	UserRoleCustomer = "CUSTOMER"
	// Guest tokens are minted at order placement and never stored.
	UserRoleGuest = "GUEST"
)

// ── Group C: Wire labels (no DB constraint) ──

const (
	TopicRefreshQueue = "refresh-queue"
	TopicOrderUpdate  = "order-update"
)

const (
	EventRefresh        = "refresh"
	EventOrderCompleted = "order-completed"
	EventItemCompleted  = "item-completed"
	EventOrderCancelled = "order-cancelled"
	EventItemCancelled  = "item-cancelled"
)

const (
	NotificationKindOrderCompleted = "order-completed"
)

const (
	NotificationMethodEmail = "email"
	NotificationMethodSMS   = "sms"
)
