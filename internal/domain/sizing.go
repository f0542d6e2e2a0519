package domain

// Opportunity is a candidate trade as seen by the position sizer: an
// instrument, a model-estimated probability, and the market price the trade
// would execute around. Probability estimation itself is an external
// collaborator; the sizer only consumes its output.
type Opportunity struct {
	Instrument string
	Side       Side
	ModelProb  float64 // external model estimate p, must be in [0, 1]
	Price      float64 // market price; implies probability q in (0, 1)
	Volatility float64 // historical volatility, filled by the sizer when 0
}

// SizingRecommendation is the risk-adjusted capital allocation for one
// opportunity. Penalties only ever shrink the base fraction:
// FinalFraction <= BaseFraction always holds.
type SizingRecommendation struct {
	Instrument string

	Edge         float64
	BaseFraction float64 // fractional-Kelly fraction of capital

	CorrelationPenalty float64 // in (0, 1]
	VolatilityPenalty  float64 // in (0, 1]

	FinalFraction float64
	DollarSize    float64
	MaxContracts  float64

	InsufficientData bool
	Reasoning        string
}
