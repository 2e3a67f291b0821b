package ledger

type Tier string

const (
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
	TierDiamond  Tier = "Diamond"
)

// tierThresholds is ordered from the highest floor down.
var tierThresholds = []struct {
	floor int64
	tier  Tier
}{
	{100_000, TierDiamond},
	{50_000, TierPlatinum},
	{20_000, TierGold},
	{5_000, TierSilver},
}

// TierFor returns the highest tier whose floor balance is reached.
func TierFor(balance int64) Tier {
	for _, t := range tierThresholds {
		if balance >= t.floor {
			return t.tier
		}
	}
	return TierBronze
}
