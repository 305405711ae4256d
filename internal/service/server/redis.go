package server

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_vault/internal/model"
)

func challengeKey(id string) string { return fmt.Sprintf("challenge:%s", id) }

func codeKey(email, code string) string { return fmt.Sprintf("code:%s:%s", email, code) }

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }

func tokenKey(email string) string { return fmt.Sprintf("token:%s", email) }

func eventsKey(email string) string { return fmt.Sprintf("events:%s", email) }

// GetEventsFromCache drains the events queued for an offline participant.
func (s *HttpServer) GetEventsFromCache(ctx context.Context, to string) ([]*model.Event, error) {
	key := eventsKey(to)
	vals, err := s.cache.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Del(ctx, key); err != nil {
		return nil, err
	}

	var res []*model.Event
	for _, v := range vals {
		var e model.Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	return res, nil
}

func (s *HttpServer) PutEventsToCache(ctx context.Context, to string, events ...*model.Event) error {
	vals := make([]any, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	return s.cache.RPush(ctx, eventsKey(to), vals...)
}
