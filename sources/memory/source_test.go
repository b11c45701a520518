package memory

import (
	"testing"

	"github.com/owles/go-jobqueue/core"
	"github.com/owles/go-jobqueue/sources/sourcetest"
)

func TestMemorySource(t *testing.T) {
	sourcetest.Run(t, func(t *testing.T) core.Source {
		return NewMemorySource()
	})
}
