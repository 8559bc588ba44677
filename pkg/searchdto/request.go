package searchdto

// SearchRequest is the inbound message. Exactly one of TimeLeft and
// ThinkTime is set, both in milliseconds.
type SearchRequest struct {
	InitPos   string   `json:"init_pos"`
	Moves     []string `json:"moves"`
	TimeLeft  *int64   `json:"time_left,omitempty"`
	ThinkTime *int64   `json:"think_time,omitempty"`
}
