package record_test

import (
	"testing"

	"github.com/bitrise-io/go-chunkupload/record"
	"github.com/bitrise-io/go-chunkupload/record/recordtest"
)

func TestMemoryStore(t *testing.T) {
	recordtest.Run(t, func(t *testing.T) record.Store {
		return record.NewMemoryStore()
	})
}
