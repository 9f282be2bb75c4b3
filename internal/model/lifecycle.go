package model

var transitions = map[State][]State{
	Pending:   {Pending, Sent, Failed, Cancelled},
	Sent:      {Delivered, Read},
	Delivered: {Read},
}

// CanTransition reports whether from -> to is an edge of the delivery
// lifecycle. pending -> pending is the retry bookkeeping edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rank orders the forward-only receipt states. States outside the receipt
// chain rank zero.
func (s State) Rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	}
	return 0
}

func (s State) Terminal() bool {
	return s == Read || s == Failed || s == Cancelled || s == Received
}

func (s State) Valid() bool {
	switch s {
	case Pending, Sent, Delivered, Read, Failed, Cancelled, Received:
		return true
	}
	return false
}
