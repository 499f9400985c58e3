/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/delayshield/delayshield/pkg/trip"
)

// AppendEvent appends a single audit event to a trip's history. Events are
// append-only; nothing in the system updates or deletes them.
func (s *Store) AppendEvent(ctx context.Context, tripID uuid.UUID, kind trip.EventKind, payload map[string]any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO trip_updates (trip_id, kind, payload) VALUES ($1, $2, $3)`,
		tripID, kind, raw); err != nil {
		return fmt.Errorf("appending %s event: %w", kind, err)
	}
	return nil
}

// appendEventTx appends an event inside an open transaction so it commits
// atomically with the state change it describes.
func appendEventTx(ctx context.Context, tx pgx.Tx, tripID uuid.UUID, kind trip.EventKind, payload map[string]any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO trip_updates (trip_id, kind, payload) VALUES ($1, $2, $3)`,
		tripID, kind, raw); err != nil {
		return fmt.Errorf("appending %s event: %w", kind, err)
	}
	return nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}
	return raw, nil
}

// ListEvents returns the most recent audit events of a trip, newest first.
func (s *Store) ListEvents(ctx context.Context, tripID uuid.UUID, limit int) ([]trip.Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trip_id, at, kind, payload FROM trip_updates WHERE trip_id = $1 ORDER BY at DESC, id DESC LIMIT $2`,
		tripID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var updates []trip.Update
	for rows.Next() {
		var (
			u   trip.Update
			raw []byte
		)
		if err := rows.Scan(&u.ID, &u.TripID, &u.At, &u.Kind, &raw); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &u.Payload); err != nil {
				return nil, fmt.Errorf("decoding event payload: %w", err)
			}
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}
