package main

import (
	"github.com/sablenet/sabled/logger"
)

var log = logger.RegisterSubSystem("SABD")
