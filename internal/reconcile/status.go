package reconcile

import (
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
)

// NextStatus applies the one-way status ratchet. The provider's terminal
// statuses win, except over completed and cancelled calls which are never
// changed by a sync. A call still marked dispatching has evidently been
// accepted and moves to dispatched.
func NextStatus(local storage.CallStatus, providerStatus string) storage.CallStatus {
	if local == storage.StatusCompleted || local == storage.StatusCancelled {
		return local
	}
	switch providerStatus {
	case voice.ConversationDone:
		return storage.StatusCompleted
	case voice.ConversationFailed:
		return storage.StatusFailed
	}
	if local == storage.StatusDispatching {
		return storage.StatusDispatched
	}
	return local
}
