package model

// Identity is the authenticated caller of a core operation. The core trusts
// this binding and scopes every task and site lookup by it.
type Identity struct {
	CleanerID int64  `json:"cleaner_id"`
	TenantID  int64  `json:"tenant_id"`
	Role      string `json:"role"`
}
