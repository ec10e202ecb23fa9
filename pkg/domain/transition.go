package domain

// Entity states move forward only. Each state has a rank; a transition is
// allowed when the current state is not terminal and the next state's rank is
// not lower. Unknown is never applied.

func invoiceRank(s InvoiceState) int {
	switch s {
	case InvoiceStateOpen:
		return 0
	case InvoiceStateSettled, InvoiceStateCancelled, InvoiceStateExpired:
		return 1
	}
	return -1
}

func paymentRank(s PaymentState) int {
	switch s {
	case PaymentStateInFlight:
		return 0
	case PaymentStateSucceeded, PaymentStateFailed:
		return 1
	}
	return -1
}

func channelRank(s ChannelState) int {
	switch s {
	case ChannelStatePending:
		return 0
	case ChannelStateActive, ChannelStateInactive:
		return 1
	case ChannelStateClosing:
		return 2
	case ChannelStateClosed:
		return 3
	}
	return -1
}

// InvoiceTransitionAllowed reports whether an invoice may move from -> to.
// A repeated state is not a transition and is rejected.
func InvoiceTransitionAllowed(from, to InvoiceState) bool {
	if to == InvoiceStateUnknown || from.Terminal() || from == to {
		return false
	}
	return invoiceRank(to) >= invoiceRank(from)
}

func PaymentTransitionAllowed(from, to PaymentState) bool {
	if to == PaymentStateUnknown || from.Terminal() || from == to {
		return false
	}
	return paymentRank(to) >= paymentRank(from)
}

// ChannelTransitionAllowed allows Active and Inactive to alternate. Same-state
// updates are handled by ChannelUpdateAllowed.
func ChannelTransitionAllowed(from, to ChannelState) bool {
	if to == ChannelStateUnknown || from.Terminal() || from == to {
		return false
	}
	return channelRank(to) >= channelRank(from)
}

// ChannelUpdateAllowed admits a state change, or a same-state update of a
// live channel whose balances moved.
func ChannelUpdateAllowed(prev, next *Channel) bool {
	if prev.State == next.State {
		return !next.State.Terminal() && next.State != ChannelStateUnknown &&
			(prev.LocalBalanceSat != next.LocalBalanceSat || prev.RemoteBalanceSat != next.RemoteBalanceSat)
	}
	return ChannelTransitionAllowed(prev.State, next.State)
}
