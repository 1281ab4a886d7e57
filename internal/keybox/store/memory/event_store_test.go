package memory_test

import (
	"testing"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/storetest"
)

func TestEventStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.EventStore { return memory.NewEventStore() })
}
