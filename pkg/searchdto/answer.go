package searchdto

const (
	TypeBook   = "Book"
	TypeEngine = "Engine"
	TypeError  = "Error"
	TypeReady  = "Ready"
)

// Ready is sent once when the worker starts accepting requests.
type Ready struct {
	Type string `json:"type"`
}

// BookAnswer reports a move taken from the opening book.
type BookAnswer struct {
	Type   string `json:"type"`
	Move   string `json:"mv"`
	Weight uint16 `json:"weight"`
}

// EngineAnswer reports one completed search iteration. Time is seconds
// since the session started.
type EngineAnswer struct {
	Type                      string   `json:"type"`
	Move                      string   `json:"mv"`
	Value                     string   `json:"value"`
	Nodes                     uint32   `json:"nodes"`
	Depth                     uint8    `json:"depth"`
	PrincipalVariation        []string `json:"principal_variation"`
	TranspositionTableSize    uint     `json:"transposition_table_size"`
	TranspositionTableEntries uint     `json:"transposition_table_entries"`
	Time                      float64  `json:"time"`
}
