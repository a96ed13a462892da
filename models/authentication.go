package models

// AuthenticationRequest carries a single webcam frame; no profile fields
// are required to authenticate.
type AuthenticationRequest struct {
	Image string `json:"image"`
}

// UserProfile is the view-only profile the recognition service returns on
// a successful match. Timestamps are relayed verbatim as the ISO 8601
// strings the service produces; the gateway never interprets them.
type UserProfile struct {
	FirstName         string  `json:"firstName"`
	LastName          string  `json:"lastName"`
	Email             string  `json:"email"`
	Department        string  `json:"department"`
	RegisteredAt      string  `json:"registeredAt"`
	LastAuthenticated *string `json:"lastAuthenticated,omitempty"`
}

// AuthenticationResult is the recognition service's answer to an
// authentication attempt. Confidence is a score in [0,1]; the match
// threshold is applied entirely service-side, the gateway only relays
// whatever confidence it receives.
type AuthenticationResult struct {
	Matched    bool         `json:"matched"`
	Confidence float64      `json:"confidence"`
	User       *UserProfile `json:"user,omitempty"`
}
