package mirror

import (
	"fmt"

	"github.com/verdict-network/verdict/lib"
)

func ErrMirrorDial(url string, err error) lib.ErrorI {
	return lib.NewError(lib.CodeMirrorDial, lib.MirrorModule, fmt.Sprintf("dial %s failed with err: %s", url, err.Error()))
}
