package sched

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("mvm.scheduler")
