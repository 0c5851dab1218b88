package domain

type ServerID string

// ServerSummary is the minimal server view a member receives on Ready.
type ServerSummary struct {
	ID      ServerID `json:"id"`
	Name    string   `json:"name"`
	IconURL *string  `json:"iconUrl"`
}
