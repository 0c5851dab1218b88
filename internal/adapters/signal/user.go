package signal

import (
	"context"
	"time"

	"github.com/dkeye/cordis/internal/domain"
)

// authenticate resolves the voice token to a user. Any failure is
// reported to the client as Unauthorized.
func (ctl *SignalWSController) authenticate(ctx context.Context, s *session, token string) (domain.UserID, error) {
	claims, err := ctl.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("voice token rejected")
		return "", errUnauthorized
	}
	if s.userID != "" && s.userID != claims.Subject {
		s.logger.Warn().Str("user", string(s.userID)).Str("token_user", string(claims.Subject)).Msg("token for another user")
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

// Run prunes the join rate limiter until ctx is done.
func (ctl *SignalWSController) Run(ctx context.Context) error {
	if ctl.limiter == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(max(ctl.limiter.interval, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ctl.limiter.Prune()
		}
	}
}
