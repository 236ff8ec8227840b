package server

import (
	"github.com/tliron/commonlog"
)

var logger = commonlog.GetLogger("procvm.server")
