package ldb

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("LVDB")
