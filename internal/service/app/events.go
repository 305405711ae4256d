package app

import (
	"context"
	"encoding/json"

	"e2e_vault/internal/model"
	"e2e_vault/internal/utils/log"

	"go.uber.org/zap"
)

// Subscribe reads the change feed until ctx ends or the connection drops. Each event first invalidates
// cached views and is then passed to onEvent, if set.
func (v *Vault) Subscribe(ctx context.Context, onEvent func(*model.Event)) error {
	conn, err := v.api.DialEvents(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Debug("event feed closed", zap.Error(err))
			return err
		}

		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			log.Error("unmarshal event failed", zap.Error(err))
			continue
		}
		v.HandleEvent(&e)
		if onEvent != nil {
			onEvent(&e)
		}
	}
}
