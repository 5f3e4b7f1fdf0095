package session

import (
	"os"
	"testing"

	"birdrpc/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}
