package chain

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("CHAN")
