package hlogkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointWritesDurableFiles(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(cfg, testFunctions())
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.StartSession()
	require.NoError(t, err)
	defer sess.Dispose()

	for i := 0; i < 50; i++ {
		k := keyFor(i)
		require.NoError(t, sess.Upsert(k, k+"-value"))
	}

	id, err := s.Checkpoint()
	require.NoError(t, err)

	current, err := os.ReadFile(filepath.Join(cfg.DataDir, "checkpoint.current"))
	require.NoError(t, err)
	require.Equal(t, id.String(), string(current))

	_, err = os.Stat(filepath.Join(cfg.DataDir, "checkpoint."+id.String()))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(cfg.DataDir, "index."+id.String()))
	require.NoError(t, err)
}

func TestCheckpointRejectsConcurrentRun(t *testing.T) {
	s, err := Open(testConfig(t), testFunctions())
	require.NoError(t, err)
	defer s.Close()

	s.ckpt.mu.Lock()
	defer s.ckpt.mu.Unlock()

	_, err = s.Checkpoint()
	require.ErrorIs(t, err, ErrCheckpointInProgress)
}
