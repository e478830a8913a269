package store

// Default attributes for users created on first authorized contact.
const (
	RoleUser     = "user"
	StatusActive = "active"
)

// User is one Telegram principal known to the supervisor.
type User struct {
	TelegramID int64
	Role       string
	Status     string
}
