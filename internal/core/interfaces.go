package core

import (
	"context"
	"time"

	"github.com/dkeye/cordis/internal/domain"
)

// Claims is the verified identity carried by an access token.
type Claims struct {
	Subject   domain.UserID
	TokenID   string
	ExpiresAt time.Time
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// MembershipLookup resolves a user and the servers they belong to.
type MembershipLookup interface {
	User(ctx context.Context, id domain.UserID) (domain.User, error)
	Servers(ctx context.Context, id domain.UserID) ([]domain.ServerSummary, error)
}

// PresenceStore tracks online users across gateway nodes.
type PresenceStore interface {
	Connect(ctx context.Context, userID domain.UserID, sid SessionID) error
	Refresh(ctx context.Context, userID domain.UserID) error
	// Disconnect drops sid from the user's connections and clears presence
	// when none remain. It returns the number of connections still open.
	Disconnect(ctx context.Context, userID domain.UserID, sid SessionID) (int64, error)
}

type BrokerHandler func(topic string, payload []byte)

type Subscription interface {
	Unsubscribe() error
}

// Broker is a topic-addressed pub/sub shared by every gateway node.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h BrokerHandler) (Subscription, error)
	Close() error
}
