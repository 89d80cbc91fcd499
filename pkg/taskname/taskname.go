package taskname

const (
	// License lifecycle events
	LicenseActivated = "license:activated"
	LicenseSuspended = "license:suspended"
	LicenseExpired   = "license:expired"
	LicenseExpiring  = "license:expiring"

	// Maintenance jobs
	LicenseExpireSweep   = "license:expire:sweep"
	LicenseLivenessCheck = "license:liveness:check"
	LicenseExpiryNotify  = "license:expiring:notify"
	PaymentExpirePending = "payment:expire:pending"
)

const (
	QueueNotifications = "notifications"
	QueueMaintenance   = "maintenance"
)
