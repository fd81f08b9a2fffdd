package cache

import "testing"

func TestSimilarityIdentical(t *testing.T) {
	a := Tokenize("What is the capital of France?")
	b := Tokenize("what is the capital of france")
	if got := Similarity(a, b); got != 1.0 {
		t.Fatalf("Similarity of case-insensitive duplicates = %v; want 1.0", got)
	}
}

func TestSimilarityDifferentSubject(t *testing.T) {
	a := Tokenize("What is the capital of France?")
	c := Tokenize("What is the capital of Germany?")
	got := Similarity(a, c)
	if got >= 0.85 {
		t.Fatalf("Similarity(France, Germany) = %v; want < 0.85", got)
	}
	if got <= 0 {
		t.Fatalf("Similarity(France, Germany) = %v; want > 0", got)
	}
}

func TestSimilarityDisjoint(t *testing.T) {
	a := Tokenize("abc def")
	b := Tokenize("xyz uvw")
	if got := Similarity(a, b); got != 0 {
		t.Fatalf("Similarity of disjoint queries = %v; want 0", got)
	}
}

func TestSimilarityEmpty(t *testing.T) {
	if got := Similarity(nil, nil); got != 1.0 {
		t.Fatalf("Similarity(nil, nil) = %v; want 1.0", got)
	}
	if got := Similarity(Tokenize("hello"), nil); got != 0 {
		t.Fatalf("Similarity(hello, nil) = %v; want 0", got)
	}
}

func TestBigramsAdjacentPairs(t *testing.T) {
	set := Bigrams([]string{"red", "fox"})
	for _, want := range []string{"re", "ed", "fo", "ox", "red fox"} {
		if _, ok := set[want]; !ok {
			t.Fatalf("Bigrams missing %q; got %v", want, set)
		}
	}
}
