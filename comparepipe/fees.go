package comparepipe

// FeeTier maps a primary-price ceiling to a fixed handling fee.
type FeeTier struct {
	UpTo     int64
	Handling int64
}

// FeeSchedule estimates the marketplace fee to resell at the primary price:
// a percentage of the price plus a price-tiered fixed handling fee.
type FeeSchedule struct {
	RateBasisPoints int64 // 1000 = 10%
	Tiers           []FeeTier
	DefaultHandling int64 // applied above the last tier
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		RateBasisPoints: 1000,
		Tiers: []FeeTier{
			{UpTo: 2000, Handling: 200},
			{UpTo: 10000, Handling: 450},
		},
		DefaultHandling: 700,
	}
}

// Estimate returns the fee for selling at price. Negative prices estimate 0.
func (f FeeSchedule) Estimate(price int64) int64 {
	if price <= 0 {
		return 0
	}
	fee := price * f.RateBasisPoints / 10000
	for _, t := range f.Tiers {
		if price < t.UpTo {
			return fee + t.Handling
		}
	}
	return fee + f.DefaultHandling
}
