package immix

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("mvm.immix")
