package models

// Manage-tokens actions.
const (
	ActionStore  = "store"
	ActionDelete = "delete"
)

// ManageTokensRequest is the body of POST /manage-tokens. Which fields are
// read depends on Action.
type ManageTokensRequest struct {
	Action       string `json:"action"`
	Provider     string `json:"provider,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	TokenRef     string `json:"tokenRef,omitempty"`
}

type ManageTokensResponse struct {
	TokenRef string `json:"tokenRef,omitempty"`
	Success  bool   `json:"success,omitempty"`
}

// SendMailRequest is the body of POST /send-mail.
type SendMailRequest struct {
	TokenRef string   `json:"tokenRef"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTML     bool     `json:"html,omitempty"`
}

// ErrorResponse is the JSON error body of every endpoint.
type ErrorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	RelinkRequired bool   `json:"relink_required,omitempty"`
	RetryAfter     int    `json:"retry_after,omitempty"`
}
