package p2p

import "github.com/tliron/commonlog"

var logger = commonlog.GetLogger("vmpi.p2p")
