package searchdto

// ErrorAnswer reports a request the worker could not process. It is
// followed by the terminator like any other answer.
type ErrorAnswer struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
