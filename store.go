package vcam

import (
	"context"
	"fmt"
)

// Shared store keys. Every process that opens the same store path sees
// the same two keys; together they tell camera tabs what to do.
const (
	// KeyActive holds ActiveValue while the mock camera should be live.
	// Any other value, or an absent key, means inactive.
	KeyActive = "globalMockCameraActive"

	// KeyData holds the JSON-encoded MediaDescriptor.
	KeyData = "globalMockCameraData"

	// ActiveValue is the only value of KeyActive that activates mocking.
	ActiveValue = "true"
)

// ChangeOp says what a Change did to its key.
type ChangeOp int

const (
	ChangeSet    ChangeOp = iota // Key was created or its value replaced
	ChangeDelete                 // Key was removed
)

func (o ChangeOp) String() string {
	switch o {
	case ChangeSet:
		return "set"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change describes one key mutation made through another store handle.
// Mutations made through a handle are never delivered back to that
// handle's own subscribers.
type Change struct {
	Key string
	Op  ChangeOp
	Old string // Value before the change, "" if the key was new
	New string // Value after the change, "" for ChangeDelete
}

// StateStore is shared key-value state with cross-handle change
// notifications. All handles opened on the same backing path observe the
// same data; a subscriber sees every change except those made through
// its own handle.
type StateStore interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key to value, creating it if needed. Values above
	// MaxDescriptorBytes are rejected with ErrPayloadTooLarge.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Subscribe registers for changes made through other handles. The
	// returned cancel func releases the subscription; after it returns
	// the channel is closed. Slow subscribers lose changes rather than
	// block the store.
	Subscribe() (<-chan Change, func(), error)

	// Close releases the handle. Subscriptions are closed.
	Close() error
}

// PublishDescriptor stores the descriptor and then raises the active
// flag. The ordering matters: a tab woken by the flag change must find
// the descriptor already present.
func PublishDescriptor(ctx context.Context, store StateStore, desc *MediaDescriptor) error {
	raw, err := desc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	if err := store.Set(ctx, KeyData, raw); err != nil {
		return fmt.Errorf("failed to store descriptor: %w", err)
	}
	if err := store.Set(ctx, KeyActive, ActiveValue); err != nil {
		return fmt.Errorf("failed to raise active flag: %w", err)
	}
	return nil
}

// ClearMock lowers the active flag and then removes the descriptor, the
// reverse of PublishDescriptor's ordering.
func ClearMock(ctx context.Context, store StateStore) error {
	if err := store.Delete(ctx, KeyActive); err != nil {
		return fmt.Errorf("failed to lower active flag: %w", err)
	}
	if err := store.Delete(ctx, KeyData); err != nil {
		return fmt.Errorf("failed to remove descriptor: %w", err)
	}
	return nil
}
