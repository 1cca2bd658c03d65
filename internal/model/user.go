package model

// User is the marketplace identity the session runs as, or a counterpart.
// Role is "student" or "tutor".
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}
