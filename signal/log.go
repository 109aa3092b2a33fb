package signal

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("SIGN")
