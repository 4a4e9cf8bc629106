package memstore

import (
	"testing"

	"github.com/geoweaver/gwrelay/history"
	"github.com/geoweaver/gwrelay/history/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) history.Store { return New() })
}
