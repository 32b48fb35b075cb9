// Package gate отвечает на вопрос, запрещены ли пользователю покупки.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/streamshop/internal/model"
)

// ErrInvalidBlock возвращается для блокировки с некорректными параметрами.
var ErrInvalidBlock = errors.New("invalid block")

// Gate сообщает о действующей блокировке пользователя.
type Gate interface {
	IsBlocked(ctx context.Context, userID string) (model.BlockStatus, error)
}

// Store описывает операции хранилища, которыми пользуется RepositoryGate.
type Store interface {
	CreateBlock(ctx context.Context, b model.UserBlock) error
	DeactivateBlocks(ctx context.Context, userID string) (int, error)
	ListActiveBlocks(ctx context.Context, userID string) ([]model.UserBlock, error)
}

// RepositoryGate читает блокировки из собственного хранилища.
type RepositoryGate struct {
	store Store
	now   func() time.Time
}

// NewRepositoryGate создаёт шлюз поверх хранилища.
func NewRepositoryGate(store Store, now func() time.Time) *RepositoryGate {
	if now == nil {
		now = time.Now
	}
	return &RepositoryGate{store: store, now: now}
}

// IsBlocked возвращает действующую блокировку. Постоянная блокировка важнее временной.
func (g *RepositoryGate) IsBlocked(ctx context.Context, userID string) (model.BlockStatus, error) {
	blocks, err := g.store.ListActiveBlocks(ctx, userID)
	if err != nil {
		return model.BlockStatus{}, fmt.Errorf("list blocks: %w", err)
	}

	now := g.now()
	var found *model.UserBlock
	for i := range blocks {
		b := blocks[i]
		if !b.InForce(now) {
			continue
		}
		if found == nil || (b.Type == model.BlockTypePermanent && found.Type != model.BlockTypePermanent) {
			found = &b
		}
	}
	if found == nil {
		return model.BlockStatus{}, nil
	}
	return model.BlockStatus{
		Blocked:   true,
		Reason:    found.Reason,
		Type:      found.Type,
		ExpiresAt: found.ExpiresAt,
	}, nil
}

// BlockInput содержит параметры новой блокировки.
type BlockInput struct {
	UserID    string          `json:"user_id"`
	Reason    string          `json:"reason"`
	Type      model.BlockType `json:"type"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Block создаёт блокировку. Временной блокировке нужен срок в будущем.
func (g *RepositoryGate) Block(ctx context.Context, in BlockInput) (model.UserBlock, error) {
	now := g.now()
	switch in.Type {
	case model.BlockTypePermanent:
		in.ExpiresAt = nil
	case model.BlockTypeTemporary:
		if in.ExpiresAt == nil || !in.ExpiresAt.After(now) {
			return model.UserBlock{}, fmt.Errorf("%w: temporary block needs a future expiry", ErrInvalidBlock)
		}
	default:
		return model.UserBlock{}, fmt.Errorf("%w: unknown type %q", ErrInvalidBlock, in.Type)
	}
	if in.UserID == "" {
		return model.UserBlock{}, fmt.Errorf("%w: user is required", ErrInvalidBlock)
	}

	b := model.UserBlock{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Reason:    in.Reason,
		Type:      in.Type,
		ExpiresAt: in.ExpiresAt,
		Active:    true,
		CreatedAt: now,
	}
	if err := g.store.CreateBlock(ctx, b); err != nil {
		return model.UserBlock{}, err
	}
	return b, nil
}

// Unblock снимает все активные блокировки пользователя.
func (g *RepositoryGate) Unblock(ctx context.Context, userID string) error {
	n, err := g.store.DeactivateBlocks(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrBlockNotFound
	}
	return nil
}

// Any объединяет шлюзы: пользователь заблокирован, если так отвечает хотя бы один из них.
// Шлюзы опрашиваются по порядку, ответ первого заблокировавшего возвращается без опроса остальных.
type Any []Gate

// IsBlocked реализует Gate.
func (a Any) IsBlocked(ctx context.Context, userID string) (model.BlockStatus, error) {
	for _, g := range a {
		if g == nil {
			continue
		}
		s, err := g.IsBlocked(ctx, userID)
		if err != nil {
			return model.BlockStatus{}, err
		}
		if s.Blocked {
			return s, nil
		}
	}
	return model.BlockStatus{}, nil
}

// BlockedError превращает статус в ошибку для вызывающего кода. Для незаблокированного пользователя возвращает nil.
func BlockedError(userID string, s model.BlockStatus) error {
	if !s.Blocked {
		return nil
	}
	return &model.BlockedError{UserID: userID, Reason: s.Reason, Type: s.Type, ExpiresAt: s.ExpiresAt}
}
