// Package usage normalizes provider token accounting into one shape,
// for both buffered response bodies and streamed event sequences.
package usage

// TokenUsage is the normalized token accounting for one upstream call.
// A zero value means no usage signal was found; callers log zero cost
// rather than failing the request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Model        string
}

// Merge folds a partial reading into the receiver. Non-zero fields win;
// output tokens take the larger value so later stream events dominate.
func (u *TokenUsage) Merge(other TokenUsage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > u.OutputTokens {
		u.OutputTokens = other.OutputTokens
	}
	if other.Model != "" {
		u.Model = other.Model
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// IsZero reports whether no usage signal was recorded.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}
