package supervisor

import (
	"os"
	"testing"

	"QuestPilot-Chain/pkg/logger"
)

func TestMain(m *testing.M) {
	restore := logger.SetAudit(logger.Discard())
	code := m.Run()
	restore()
	os.Exit(code)
}
