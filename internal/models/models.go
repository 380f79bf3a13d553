package models

import "time"

// Denomination identifies a unit of account. CXX is the internal floating
// unit; everything else is a real-world denomination priced in CXX per unit
// on each day record.
type Denomination string

const (
	DenomCXX Denomination = "CXX"
	DenomUSD Denomination = "USD"
	DenomCAD Denomination = "CAD"
	DenomXAU Denomination = "XAU"
	DenomZIG Denomination = "ZIG"
)

// SupportedDenominations are the denominations every published day record
// must carry a rate for.
var SupportedDenominations = []Denomination{DenomCXX, DenomUSD, DenomCAD, DenomXAU, DenomZIG}

// Supported reports whether d is a denomination this ledger prices.
func Supported(d Denomination) bool {
	for _, s := range SupportedDenominations {
		if s == d {
			return true
		}
	}
	return false
}

// ObligationType classifies a credex for cycle traversal: secured credexes
// net only against secured credexes of the same denomination, everything
// unsecured nets in the single floating class.
type ObligationType struct {
	Secured      bool
	Denomination Denomination
}

// Floating is the obligation type shared by all unsecured credexes.
var Floating = ObligationType{}

// SecuredType returns the obligation type for secured credexes in d.
func SecuredType(d Denomination) ObligationType {
	return ObligationType{Secured: true, Denomination: d}
}

func (t ObligationType) String() string {
	if t.Secured {
		return string(t.Denomination) + "_SECURED"
	}
	return "FLOATING"
}

// Credex lifecycle states. OFFERS/REQUESTS are pre-acceptance; OWES is the
// only state that participates in netting; the rest are terminal.
type CredexStatus string

const (
	StatusOffers    CredexStatus = "OFFERS"
	StatusRequests  CredexStatus = "REQUESTS"
	StatusOwes      CredexStatus = "OWES"
	StatusCleared   CredexStatus = "CLEARED"
	StatusCancelled CredexStatus = "CANCELLED"
	StatusDeclined  CredexStatus = "DECLINED"
	StatusDefaulted CredexStatus = "DEFAULTED"
)

// Queue states for the minute transaction queue.
const (
	QueueNone           = "NONE"
	QueuePendingAccount = "PENDING_ACCOUNT"
	QueuePendingCredex  = "PENDING_CREDEX"
	QueueProcessed      = "PROCESSED"
)

type AccountType string

const (
	AccountPersonal   AccountType = "PERSONAL"
	AccountBusiness   AccountType = "BUSINESS"
	AccountFoundation AccountType = "FOUNDATION"
)

// Member is a human who owns or is authorized on accounts and signs
// credex transitions.
type Member struct {
	ID           int
	Handle       string
	PasswordHash string
	CreatedAt    time.Time
}

// Account is a wallet. DCOGiveCXX > 0 declares daily participation in the
// offering: the account gives that much CXX-equivalent in DCODenom.
type Account struct {
	ID            string
	OwnerMemberID int
	Type          AccountType
	Handle        string
	DisplayName   string
	DefaultDenom  Denomination
	Tier          int
	DCOGiveCXX    float64
	DCODenom      Denomination
	QueueStatus   string
	CreatedAt     time.Time
}

// Day is one record in the append-only day chain. Exactly one row is active
// at any time; Rates maps each supported denomination to CXX per unit
// (CXX itself is always 1). DCORunning and MTQRunning are the cooperative
// mutual-exclusion flags for the two batch jobs.
type Day struct {
	ID                 int
	Date               time.Time
	Rates              map[Denomination]float64
	CXXPriorCXXCurrent float64
	Active             bool
	DCORunning         bool
	MTQRunning         bool
	NextDayID          *int
	CreatedAt          time.Time
}

// Credex is a single obligation from issuer to receiver. All five amount
// fields are stored in CXX; CXXMultiplier fixes the credex's face value in
// its own denomination (face = amount / CXXMultiplier) and is rewritten on
// every daily rebase.
type Credex struct {
	ID                string
	IssuerAccountID   string
	ReceiverAccountID string
	Denomination      Denomination
	CXXMultiplier     float64
	InitialAmount     float64
	OutstandingAmount float64
	RedeemedAmount    float64
	DefaultedAmount   float64
	WrittenOffAmount  float64
	DueDate           time.Time
	SecuredBy         string
	QueueStatus       string
	Status            CredexStatus
	CreatedAt         time.Time
	AcceptedAt        time.Time
}

// Secured reports whether the credex is backed by a securing account.
func (c *Credex) Secured() bool { return c.SecuredBy != "" }

// ObligationType returns the traversal class for this credex.
func (c *Credex) ObligationType() ObligationType {
	if c.Secured() {
		return SecuredType(c.Denomination)
	}
	return Floating
}

// FaceValue is the credex's outstanding value in its own denomination.
func (c *Credex) FaceValue() float64 {
	return c.OutstandingAmount / c.CXXMultiplier
}

// LoopAnchor is the permanent audit record for one netted cycle.
type LoopAnchor struct {
	ID           string
	LoopedAmount float64
	Day          time.Time
	CreatedAt    time.Time
}

// Participant is an account declared (and later confirmed) for a daily
// offering run.
type Participant struct {
	AccountID     string
	OwnerMemberID int
	GiveCXX       float64
	Denomination  Denomination
}

// LoopEvent is published when a cycle is netted, for live observers.
type LoopEvent struct {
	AnchorID     string    `json:"anchor_id"`
	LoopedAmount float64   `json:"looped_amount"`
	CycleLength  int       `json:"cycle_length"`
	ClearedIDs   []string  `json:"cleared_ids"`
	OccurredAt   time.Time `json:"occurred_at"`
}
