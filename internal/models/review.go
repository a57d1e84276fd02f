package models

// ReviewResult is the feedback produced by the AI reviewer for a single file.
// RawScore is kept exactly as the model declared it; validation happens downstream.
type ReviewResult struct {
	RawScore string `json:"score"`
	Feedback string `json:"feedback"`
	Complete bool   `json:"complete"`
	Model    string `json:"model,omitempty"`
}
