package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	p := filepath.Join(t.TempDir(), "out.log")
	c, err := Init(Settings{Level: "debug", File: p})
	require.NoError(t, err)
	log.Debug().Str("k", "v").Msg("hello")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"message":"hello"`))
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	_, err := Init(Settings{Level: "loud"})
	require.Error(t, err)
}
