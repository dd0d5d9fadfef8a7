package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/statestore"
)

// FingerprintStore persists the last fingerprint each channel was notified
// about. It belongs to the notifier, not to the harvester.
type FingerprintStore interface {
	Load(ctx context.Context, channel string) (Mark, error)
	Save(ctx context.Context, channel string, mark Mark) error
}

// Mark is the last notification delivered on a channel.
type Mark struct {
	Fingerprint       string    `json:"fingerprint"`
	DistributionCount uint64    `json:"distribution_count"`
	NotifiedAt        time.Time `json:"notified_at"`
}

const channelsSection = "channels"

// DocumentStore keeps marks in a single JSON document on a statestore
// backend: a local file by default, or a Postgres row keyed separately from
// the harvester's ledger. Sections it does not own are preserved.
type DocumentStore struct {
	backend statestore.Backend
}

func NewDocumentStore(backend statestore.Backend) (*DocumentStore, error) {
	if backend == nil {
		return nil, errors.New("fingerprint backend is required")
	}
	return &DocumentStore{backend: backend}, nil
}

// NewFileStore stores marks in the JSON file at path.
func NewFileStore(path string) (*DocumentStore, error) {
	backend, err := statestore.NewFileBackend(path)
	if err != nil {
		return nil, err
	}
	return NewDocumentStore(backend)
}

func (s *DocumentStore) Load(ctx context.Context, channel string) (Mark, error) {
	raw, err := s.backend.Read(ctx)
	if err != nil {
		return Mark{}, fmt.Errorf("failed to read fingerprints: %w", err)
	}
	_, channels, err := decodeMarks(raw)
	if err != nil {
		return Mark{}, err
	}
	return channels[channel], nil
}

func (s *DocumentStore) Save(ctx context.Context, channel string, mark Mark) error {
	err := s.backend.Update(ctx, func(current []byte) ([]byte, error) {
		doc, channels, err := decodeMarks(current)
		if err != nil {
			return nil, err
		}
		channels[channel] = mark
		encoded, err := json.Marshal(channels)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fingerprints: %w", err)
		}
		doc[channelsSection] = encoded
		return json.MarshalIndent(doc, "", "  ")
	})
	if err != nil {
		return fmt.Errorf("failed to save fingerprint for %s: %w", channel, err)
	}
	return nil
}

func decodeMarks(raw []byte) (map[string]json.RawMessage, map[string]Mark, error) {
	doc := map[string]json.RawMessage{}
	channels := map[string]Mark{}
	if len(raw) == 0 {
		return doc, channels, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to decode fingerprint document: %w", err)
	}
	if section, ok := doc[channelsSection]; ok {
		if err := json.Unmarshal(section, &channels); err != nil {
			return nil, nil, fmt.Errorf("failed to decode fingerprint channels: %w", err)
		}
		if channels == nil {
			channels = map[string]Mark{}
		}
	}
	return doc, channels, nil
}
