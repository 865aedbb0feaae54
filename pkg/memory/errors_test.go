package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	t.Run("matches its sentinel kind", func(t *testing.T) {
		err := opError(ErrNotFound, "opensearch", "get", "memories", nil)

		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotErrorIs(t, err, ErrBackendOperationFailed)
	})

	t.Run("keeps the cause on the unwrap chain", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := opError(ErrBackendUnavailable, "redis", "connect", "memories", cause)

		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("carries operation context in the message", func(t *testing.T) {
		err := opError(ErrBackendOperationFailed, "neo4j", "upsert", "memories", errors.New("boom"))

		assert.Contains(t, err.Error(), "neo4j")
		assert.Contains(t, err.Error(), "upsert")
		assert.Contains(t, err.Error(), "memories")
		assert.Contains(t, err.Error(), "boom")
	})
}
