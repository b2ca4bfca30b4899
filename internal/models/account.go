package models

// Profile identifies the mailbox account an access token belongs to
type Profile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	ThreadsTotal  int    `json:"threadsTotal"`
	HistoryID     string `json:"historyId,omitempty"`
}

// TokenResponse is the provider's OAuth token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuthError is the error body returned by the token endpoint
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// APIError is the error body returned by the mailbox API
type APIError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Domain  string `json:"domain,omitempty"`
			Message string `json:"message,omitempty"`
		} `json:"errors,omitempty"`
	} `json:"error"`
}
