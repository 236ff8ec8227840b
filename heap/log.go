package heap

import "github.com/tliron/commonlog"

var logger = commonlog.GetLogger("procvm.heap")
