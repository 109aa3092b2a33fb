package mining

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("MINR")
