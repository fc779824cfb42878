package skills

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// SearchResult is one ranked match of a keyword search
type SearchResult struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Commands    []string `json:"commands,omitempty"`
	Score       float64  `json:"score"`
}

type searchDoc struct {
	entry IndexEntry
	tf    map[string]int
	size  int
}

// KeywordIndex ranks index entries against free-text queries with BM25.
// Routing keywords count twice so that they dominate incidental words in
// descriptions.
type KeywordIndex struct {
	mu    sync.RWMutex
	docs  []searchDoc
	df    map[string]int
	avgDL float64
	k1    float64
	b     float64
}

// NewKeywordIndex creates an empty keyword index
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		df: make(map[string]int),
		k1: 1.2,
		b:  0.75,
	}
}

// Build replaces the indexed entries
func (k *KeywordIndex) Build(entries []IndexEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.docs = make([]searchDoc, 0, len(entries))
	k.df = make(map[string]int)
	total := 0

	for _, e := range entries {
		keywords := strings.Join(e.RoutingKeywords, " ")
		text := strings.Join([]string{
			strings.NewReplacer("-", " ", "_", " ").Replace(e.Name),
			e.Description,
			keywords,
			keywords,
			strings.Join(e.Commands, " "),
		}, " ")
		tokens := tokenize(text)

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			if tf[t] == 0 {
				k.df[t]++
			}
			tf[t]++
		}
		k.docs = append(k.docs, searchDoc{entry: e, tf: tf, size: len(tokens)})
		total += len(tokens)
	}

	k.avgDL = 0
	if len(k.docs) > 0 {
		k.avgDL = float64(total) / float64(len(k.docs))
	}
}

// Len returns the number of indexed entries
func (k *KeywordIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.docs)
}

// Search returns up to limit entries ordered by descending score. Entries
// with equal scores are ordered by name.
func (k *KeywordIndex) Search(query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 5
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.docs) == 0 {
		return nil
	}

	n := float64(len(k.docs))
	var results []SearchResult
	for _, doc := range k.docs {
		score := 0.0
		dl := float64(doc.size)
		for _, term := range terms {
			freq := float64(doc.tf[term])
			if freq == 0 {
				continue
			}
			df := float64(k.df[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			score += idf * freq * (k.k1 + 1) / (freq + k.k1*(1-k.b+k.b*dl/k.avgDL))
		}
		if score > 0 {
			results = append(results, SearchResult{
				Name:        doc.entry.Name,
				Description: doc.entry.Description,
				Path:        doc.entry.Path,
				Commands:    doc.entry.Commands,
				Score:       score,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Name < results[j].Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit, dropping single-character tokens
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
