package domain

type (
	// ChannelID identifies a voice channel; a voice room is keyed by it.
	ChannelID string
	PeerID    string
)

// RoomInfo is a read-only summary of a live voice room.
type RoomInfo struct {
	ChannelID ChannelID `json:"channelId"`
	WorkerID  int       `json:"workerId"`
	PeerCount int       `json:"peerCount"`
}
