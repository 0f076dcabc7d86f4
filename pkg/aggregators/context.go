package aggregators

type AggregatorConfig struct {
	// MinLen is the shortest sentence emitted on punctuation. Shorter text
	// is held and merged with the next sentence.
	MinLen int
	// MaxLen forces a split at the last space once the buffer grows past it.
	MaxLen int
}

type Aggregator interface {
	Add(token string) []string
	Flush() string
}
