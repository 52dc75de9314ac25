package memory

import (
	"testing"

	"github.com/vsinha/batchalloc/pkg/domain/repositories"
	"github.com/vsinha/batchalloc/pkg/infrastructure/repositories/storetest"
)

func TestBatchStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repositories.Repository {
		return NewBatchStore()
	})
}
