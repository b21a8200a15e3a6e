package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	ids := []string{}
	for _, p := range c.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"free", "plus", "pro"}, ids)

	free := c.Free()
	require.NotNil(t, free)
	assert.Equal(t, model.LimitOf(10), free.Limit(model.MetricMemoriesAdded))

	pro, ok := c.Get("pro")
	require.True(t, ok)
	assert.True(t, pro.Limit(model.MetricMemoriesAdded).IsUnlimited())

	_, ok = c.Get("enterprise")
	assert.False(t, ok)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no free plan",
			yaml:    "plans:\n  - id: plus\n    limits: {basicInteractions: 1, premiumInteractions: 1, memoriesAdded: 1, memoriesSearched: 1, voiceChats: 1, videosGenerated: 1}\n",
			wantErr: `"free"`,
		},
		{
			name:    "missing metric",
			yaml:    "plans:\n  - id: free\n    limits: {basicInteractions: 1}\n",
			wantErr: "missing limit",
		},
		{
			name:    "unknown metric",
			yaml:    "plans:\n  - id: free\n    limits: {teleports: 1}\n",
			wantErr: "unknown metric",
		},
		{
			name:    "negative limit",
			yaml:    "plans:\n  - id: free\n    limits: {basicInteractions: -1}\n",
			wantErr: "invalid limit",
		},
		{
			name:    "duplicate",
			yaml:    "plans:\n  - id: free\n    limits: {basicInteractions: 1, premiumInteractions: 1, memoriesAdded: 1, memoriesSearched: 1, voiceChats: 1, videosGenerated: 1}\n  - id: free\n",
			wantErr: "duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	body := "plans:\n  - id: free\n    name: Starter\n    limits: {basicInteractions: 5, premiumInteractions: 0, memoriesAdded: unlimited, memoriesSearched: 2, voiceChats: 0, videosGenerated: 0}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Starter", c.Free().Name)
	assert.True(t, c.Free().Limit(model.MetricMemoriesAdded).IsUnlimited())
	assert.Len(t, c.List(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
