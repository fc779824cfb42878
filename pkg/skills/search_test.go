package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordIndexSearch(t *testing.T) {
	k := NewKeywordIndex()
	k.Build([]IndexEntry{
		{Name: "git", Path: "git", Description: "Version control helpers", RoutingKeywords: []string{"commit", "branch"}, Commands: []string{"status", "log"}},
		{Name: "web-search", Path: "web-search", Description: "Search the web and summarize pages"},
		{Name: "docker", Path: "docker", Description: "Manage containers", RoutingKeywords: []string{"container", "image"}},
		{Name: "notes", Path: "notes", Description: "Write a commit message style note"},
	})
	require.Equal(t, 4, k.Len())

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "routing keyword outranks description", query: "commit", want: "git"},
		{name: "command names are searchable", query: "show status", want: "git"},
		{name: "name separators split words", query: "web", want: "web-search"},
		{name: "case insensitive", query: "CONTAINER", want: "docker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := k.Search(tt.query, 3)
			require.NotEmpty(t, results)
			assert.Equal(t, tt.want, results[0].Name)
		})
	}

	t.Run("scores are descending", func(t *testing.T) {
		results := k.Search("commit", 10)
		require.Len(t, results, 2)
		assert.Greater(t, results[0].Score, results[1].Score)
	})

	t.Run("no match", func(t *testing.T) {
		assert.Empty(t, k.Search("kubernetes", 5))
		assert.Empty(t, k.Search("a !", 5), "queries without usable tokens match nothing")
	})

	t.Run("limit", func(t *testing.T) {
		assert.Len(t, k.Search("the search container commit", 2), 2)
	})
}

func TestKeywordIndexTieBreaksByName(t *testing.T) {
	k := NewKeywordIndex()
	k.Build([]IndexEntry{
		{Name: "zeta", Description: "lint code"},
		{Name: "alpha", Description: "lint code"},
	})
	results := k.Search("lint", 0)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Name)
	assert.Equal(t, "zeta", results[1].Name)
}

func TestKeywordIndexEmpty(t *testing.T) {
	assert.Empty(t, NewKeywordIndex().Search("anything", 5))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"git", "status", "v2"}, tokenize("Git-status, a v2!"))
	assert.Empty(t, tokenize(""))
}
