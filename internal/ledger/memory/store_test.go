package memory

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/presence-ledger/internal/ledger"
	"github.com/presence-ledger/internal/ledger/ledgertest"
)

func TestStoreSuite(t *testing.T) {
	suite.Run(t, &ledgertest.StoreSuite{
		NewStore: func() ledger.Store { return New() },
	})
}
