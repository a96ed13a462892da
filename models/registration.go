package models

// RegistrationRequest is the payload for enrolling a new face. The image
// is a single webcam frame as a base64 JPEG data URL; the remaining
// fields are the profile the recognition service stores alongside the
// embedding it computes.
type RegistrationRequest struct {
	Image      string `json:"image"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Department string `json:"department"`
}

// HasEmptyField reports whether any required registration field is missing.
func (r RegistrationRequest) HasEmptyField() bool {
	return r.FirstName == "" || r.LastName == "" || r.Email == "" || r.Department == ""
}
