package cache

// Similarity weights: bigram overlap dominates because it encodes ordering
// and sub-word shape, which plain token overlap misses.
const (
	tokenWeight  = 0.4
	bigramWeight = 0.6
)

// Bigrams returns the combined bigram set of a token sequence: character
// bigrams within each token plus adjacent-token pairs.
func Bigrams(tokens []string) map[string]struct{} {
	set := make(map[string]struct{})
	for i, token := range tokens {
		runes := []rune(token)
		for j := 0; j+1 < len(runes); j++ {
			set[string(runes[j:j+2])] = struct{}{}
		}
		if i+1 < len(tokens) {
			set[token+" "+tokens[i+1]] = struct{}{}
		}
	}
	return set
}

// TokenSet returns the set of distinct tokens.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Similarity scores two token sequences as a weighted combination of token
// set and bigram set Jaccard overlap, in [0, 1].
func Similarity(a, b []string) float64 {
	return tokenWeight*jaccard(TokenSet(a), TokenSet(b)) +
		bigramWeight*jaccard(Bigrams(a), Bigrams(b))
}
