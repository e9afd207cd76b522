package types

// Entry is the configuration persisted once an account has been chosen.
type Entry struct {
	Username  string `json:"username"`
	Password  string `json:"password,omitempty"`
	ClientID  string `json:"clientID"`
	AccountID string `json:"accountID"`

	// EncryptedPassword is what storage persists in place of Password.
	EncryptedPassword []byte `json:"encryptedPassword,omitempty"`
}
