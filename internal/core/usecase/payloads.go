package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

// DefaultInlinePayloadBytes keeps an event body well under the NATS default
// max_payload of 1 MiB once metadata and envelope are added.
const DefaultInlinePayloadBytes = 512 << 10

// PayloadStore moves event bodies too large for one bus message into object
// storage. A nil *PayloadStore keeps every body inline.
type PayloadStore struct {
	storage     ports.ObjectStorage
	inlineLimit int
}

func NewPayloadStore(storage ports.ObjectStorage, inlineLimit int) *PayloadStore {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlinePayloadBytes
	}
	return &PayloadStore{storage: storage, inlineLimit: inlineLimit}
}

// spill stores body when its encoding exceeds the inline limit and returns
// the reference to put on the event, or "" when body stays inline.
func (p *PayloadStore) spill(ctx context.Context, unit domain.WorkUnit, kind string, body any) (string, error) {
	if p == nil {
		return "", nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if len(raw) <= p.inlineLimit {
		return "", nil
	}
	ref := payloadKey(unit, kind)
	if err := p.storage.Save(ctx, ref, bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("store %s payload: %w", kind, err)
	}
	return ref, nil
}

// load decodes a spilled body. A missing or corrupt payload is reported as
// ErrInvalidInput: redelivering the event cannot bring it back.
func (p *PayloadStore) load(ctx context.Context, ref string, into any) error {
	if p == nil {
		return domain.WrapError(domain.ErrInvalidInput, "load payload", fmt.Errorf("no payload store for %s", ref))
	}
	rc, err := p.storage.Open(ctx, ref)
	if domain.IsKind(err, domain.ErrDocumentNotFound) || domain.IsKind(err, domain.ErrInvalidInput) {
		return domain.WrapError(domain.ErrInvalidInput, "load payload", err)
	}
	if err != nil {
		return fmt.Errorf("open payload %s: %w", ref, err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(into); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode payload", err)
	}
	return nil
}

// payloadKey is a flat storage key; doc ids may hold characters the
// storage rejects, so the id is hashed.
func payloadKey(unit domain.WorkUnit, kind string) string {
	sum := sha256.Sum256([]byte(unit.DocID))
	return fmt.Sprintf("payload_%x_g%d_%s.json", sum[:12], unit.Generation, kind)
}
