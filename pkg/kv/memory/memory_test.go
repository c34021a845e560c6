package memory

import (
	"testing"
	"time"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/kv/kvtest"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s := New(time.Minute)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}, kvtest.Options{Advance: time.Sleep})
}
