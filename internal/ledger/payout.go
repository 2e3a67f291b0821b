package ledger

import "github.com/shopspring/decimal"

// PayoutPolicy converts withdrawn points into a currency payout.
type PayoutPolicy struct {
	PointsPerUnit int64
	FeeBps        int64
}

func DefaultPayoutPolicy() PayoutPolicy {
	return PayoutPolicy{PointsPerUnit: 100, FeeBps: 1000}
}

type Payout struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// payoutJSON fixes amounts to two decimal places in stored metadata.
type payoutJSON struct {
	Gross string `json:"gross"`
	Fee   string `json:"fee"`
	Net   string `json:"net"`
}

func (p Payout) json() payoutJSON {
	return payoutJSON{
		Gross: p.Gross.StringFixed(2),
		Fee:   p.Fee.StringFixed(2),
		Net:   p.Net.StringFixed(2),
	}
}

func (p PayoutPolicy) Quote(points int64) Payout {
	perUnit := p.PointsPerUnit
	if perUnit <= 0 {
		perUnit = 100
	}
	gross := decimal.NewFromInt(points).Div(decimal.NewFromInt(perUnit)).Round(2)
	fee := gross.Mul(decimal.NewFromInt(p.FeeBps)).Div(decimal.NewFromInt(10_000)).Round(2)
	return Payout{Gross: gross, Fee: fee, Net: gross.Sub(fee)}
}
