package ledger

// Points credited for engagement actions.
const (
	EarnUpload          int64 = 10
	EarnLike            int64 = 1
	EarnComment         int64 = 2
	EarnShare           int64 = 5
	EarnFollower        int64 = 10
	EarnDailyLogin      int64 = 5
	EarnProfileComplete int64 = 50
)

const (
	MaxTransferAmount = 10_000
	MaxNoteLength     = 200
)

type Opportunity struct {
	Action      string `json:"action"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
}

func Opportunities() []Opportunity {
	return []Opportunity{
		{Action: "upload", Points: EarnUpload, Description: "Upload a video"},
		{Action: "like", Points: EarnLike, Description: "Receive a like on your video"},
		{Action: "comment", Points: EarnComment, Description: "Receive a comment on your video"},
		{Action: "share", Points: EarnShare, Description: "Your video is shared"},
		{Action: "follower", Points: EarnFollower, Description: "Gain a new follower"},
		{Action: "daily_login", Points: EarnDailyLogin, Description: "Log in for the day"},
		{Action: "profile_complete", Points: EarnProfileComplete, Description: "Complete your profile"},
	}
}

// OpportunityFor looks up the credit for an engagement action.
func OpportunityFor(action string) (Opportunity, bool) {
	for _, o := range Opportunities() {
		if o.Action == action {
			return o, true
		}
	}
	return Opportunity{}, false
}

type Package struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Points     int64  `json:"points"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
}

func Packages() []Package {
	return []Package{
		{ID: "basic", Name: "Basic", Points: 1_000, PriceCents: 999, Currency: "usd"},
		{ID: "popular", Name: "Popular", Points: 5_000, PriceCents: 4_999, Currency: "usd"},
		{ID: "premium", Name: "Premium", Points: 10_000, PriceCents: 8_999, Currency: "usd"},
		{ID: "ultimate", Name: "Ultimate", Points: 25_000, PriceCents: 19_999, Currency: "usd"},
	}
}

func PackageByID(id string) (Package, bool) {
	for _, p := range Packages() {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
