package content

// Topic is what NLU extraction understood a query to be about.
type Topic struct {
	ID         string   `json:"topic_id"`
	Name       string   `json:"topic_name"`
	Subject    string   `json:"subject"`
	Keywords   []string `json:"keywords"`
	Confidence float64  `json:"confidence"`
}
