package signal

import (
	"context"
	"encoding/json"
	"time"
)

func (ctl *SignalWSController) handlePing(context.Context, *session, json.RawMessage) (any, error) {
	return struct {
		Pong int64 `json:"pong"`
	}{
		Pong: time.Now().UnixMilli(),
	}, nil
}
