package domain

// Member represents user's participation in a voice room.
// No transport or lifecycle logic here.
type Member struct {
	PeerID PeerID `json:"peerId"`
	UserID UserID `json:"userId"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(peerID PeerID, userID UserID) Member {
	return Member{PeerID: peerID, UserID: userID}
}
