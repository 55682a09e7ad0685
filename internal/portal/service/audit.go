package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/canonjson"
	"github.com/carebridge/carebridge/pkg/idx"
)

// ErrChainInvalid is returned by Verify when the persisted audit chain fails
// integrity checks: a tampered block, a broken link, or a sequence gap.
var ErrChainInvalid = errors.New("audit chain invalid")

const genesisPreviousHash = "0"

func genesisData() map[string]any {
	return map[string]any{"message": "Genesis Block"}
}

// AuditService maintains the tamper-evident audit log: a hash chain of
// blocks persisted in the store. Each block's hash covers the canonical JSON
// of its payload, and each block records the hash of its predecessor, so any
// after-the-fact edit breaks every later link.
//
// Appends are serialized through a single mutex. The chain is strictly
// ordered; there is no concurrent-writer mode.
type AuditService struct {
	store store.Store
	log   *slog.Logger

	mu       sync.Mutex
	nextSeq  int64
	tailHash string
}

// NewAuditService opens the audit chain, creating the genesis block if the
// chain is empty.
func NewAuditService(ctx context.Context, st store.Store, log *slog.Logger) (*AuditService, error) {
	s := &AuditService{store: st, log: log}

	tail, err := st.AuditBlocks().Tail(ctx)
	if errors.Is(err, store.ErrNotFound) {
		tail, err = makeBlock(0, genesisPreviousHash, genesisData())
		if err != nil {
			return nil, err
		}
		if err := st.AuditBlocks().Append(ctx, tail); err != nil {
			return nil, fmt.Errorf("audit: write genesis block: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("audit: load chain tail: %w", err)
	}

	s.nextSeq = tail.Seq + 1
	s.tailHash = tail.Hash
	return s, nil
}

// Record appends an audit event to the chain and mirrors it to the logger.
// Timestamp and EventID are filled in when the caller leaves them empty.
func (s *AuditService) Record(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if event.EventID == "" {
		event.EventID = idx.New().String()
	}
	if event.Details == nil {
		event.Details = map[string]any{}
	}

	if _, err := s.Append(ctx, event); err != nil {
		return err
	}

	attrs := []any{
		"event_id", event.EventID,
		"user_id", event.UserID,
		"action", event.Action,
		"resource", event.Resource,
		"status", event.Status,
	}
	if event.Status == domain.AuditFailure {
		s.log.Warn(event.Message, attrs...)
	} else {
		s.log.Info(event.Message, attrs...)
	}
	return nil
}

// Append adds one block carrying data to the chain and returns it.
func (s *AuditService) Append(ctx context.Context, data any) (domain.AuditBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := makeBlock(s.nextSeq, s.tailHash, data)
	if err != nil {
		return domain.AuditBlock{}, err
	}
	if err := s.store.AuditBlocks().Append(ctx, block); err != nil {
		return domain.AuditBlock{}, fmt.Errorf("audit: append block %d: %w", block.Seq, err)
	}

	s.nextSeq = block.Seq + 1
	s.tailHash = block.Hash
	return block, nil
}

// Verify walks the whole persisted chain and checks every block's hash and
// its link to the previous block. Returns ErrChainInvalid on the first
// defect found.
func (s *AuditService) Verify(ctx context.Context) error {
	blocks, err := s.store.AuditBlocks().List(ctx)
	if err != nil {
		return fmt.Errorf("audit: list chain: %w", err)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("%w: chain is empty", ErrChainInvalid)
	}

	prev := genesisPreviousHash
	for i, b := range blocks {
		if b.Seq != int64(i) {
			return fmt.Errorf("%w: sequence gap at block %d", ErrChainInvalid, b.Seq)
		}
		canonical, err := canonjson.Marshal(b.Data)
		if err != nil {
			return fmt.Errorf("%w: unreadable data at block %d", ErrChainInvalid, b.Seq)
		}
		if blockHash(canonical) != b.Hash {
			return fmt.Errorf("%w: hash mismatch at block %d", ErrChainInvalid, b.Seq)
		}
		if b.PreviousHash != prev {
			return fmt.Errorf("%w: broken link at block %d", ErrChainInvalid, b.Seq)
		}
		prev = b.Hash
	}
	return nil
}

// IsValid is Verify as a boolean, for health checks.
func (s *AuditService) IsValid(ctx context.Context) bool {
	return s.Verify(ctx) == nil
}

func makeBlock(seq int64, prev string, data any) (domain.AuditBlock, error) {
	canonical, err := canonjson.Marshal(data)
	if err != nil {
		return domain.AuditBlock{}, fmt.Errorf("audit: encode block data: %w", err)
	}
	return domain.AuditBlock{
		Seq:          seq,
		Data:         canonical,
		Hash:         blockHash(canonical),
		PreviousHash: prev,
	}, nil
}

func blockHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
