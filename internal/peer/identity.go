package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/syncspace/internal/storage"
	"github.com/1ureka/syncspace/internal/util"
)

// KeyPeerID is the storage key of the local peer identity.
const KeyPeerID = "peerId"

const peerIDLength = 16

// LoadOrCreateIdentity returns the stored peer ID, generating and persisting
// a random base-36 one on first use.
func LoadOrCreateIdentity(ctx context.Context, store storage.Store) (string, error) {
	id, err := store.Get(ctx, KeyPeerID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load peer identity: %w", err)
	}

	id = util.RandomToken(peerIDLength)
	if err := store.Set(ctx, KeyPeerID, id); err != nil {
		return "", fmt.Errorf("save peer identity: %w", err)
	}
	util.LogDebugEvent("peer identity created", "peer", id)
	return id, nil
}
