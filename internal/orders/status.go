package orders

// Status is the lifecycle state of a reservation ledger entry.
type Status string

const (
	StatusReserved           Status = "reserved"
	StatusConfirmed          Status = "confirmed"
	StatusReservationExpired Status = "reservation_expired"
	StatusCancelled          Status = "cancelled"
)

// PaymentStatus is empty until a charge intent has been created.
type PaymentStatus string

const (
	PaymentNone    PaymentStatus = ""
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type ListingStatus string

const (
	ListingAvailable ListingStatus = "available"
	ListingReserved  ListingStatus = "reserved"
	ListingSold      ListingStatus = "sold"
)

type OrderKind string

const (
	KindPurchase OrderKind = "purchase"
	KindTrial    OrderKind = "trial"
)

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodWallet       PaymentMethod = "wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodWallet:
		return true
	}
	return false
}

var validNext = map[Status]map[Status]bool{
	StatusReserved:           {StatusConfirmed: true, StatusReservationExpired: true, StatusCancelled: true},
	StatusConfirmed:          {StatusReservationExpired: true, StatusCancelled: true},
	StatusReservationExpired: {},
	StatusCancelled:          {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Active reports whether the status still holds a claim on the listing.
func (s Status) Active() bool {
	return s == StatusReserved || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusReservationExpired || s == StatusCancelled
}
