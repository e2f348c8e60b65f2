package enforcement

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/models"
)

func TestLedger_AppendsLinesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.log")
	l := NewLedger(LedgerConfig{Path: path, MaxSizeMB: 1})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Append(models.BlockRecord{IP: "198.51.100.1", Action: "BLOCK"}))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, `{"ip":"198.51.100.1"`), line)
		assert.Contains(t, line, `"confidence":{}`)
	}
}
