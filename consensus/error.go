package consensus

import (
	"fmt"

	"github.com/verdict-network/verdict/lib"
)

func ErrRoundInterrupted(err error) lib.ErrorI {
	return lib.NewError(lib.CodeRoundInterrupted, lib.ConsensusModule, fmt.Sprintf("round interrupted: %s", err.Error()))
}
