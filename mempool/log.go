package mempool

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("TXMP")
