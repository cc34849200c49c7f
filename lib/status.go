package lib

// transitions are the only legal edges of the transaction automaton
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:      {StatusProposing, StatusCanceled},
	StatusProposing:    {StatusCommitting},
	StatusCommitting:   {StatusRevealing},
	StatusRevealing:    {StatusAccepted, StatusUndetermined, StatusProposing},
	StatusAccepted:     {StatusFinalized, StatusCommitting},
	StatusUndetermined: {StatusPending},
}

// CheckTransition() returns ErrInvalidTransition unless from -> to is a legal edge
func CheckTransition(from, to TransactionStatus) ErrorI {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition(from, to)
}

// IsTerminal() is true for statuses with no outgoing edges
func (s TransactionStatus) IsTerminal() bool { return len(transitions[s]) == 0 }
