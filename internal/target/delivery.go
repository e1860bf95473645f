package target

import (
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
)

func DeliveryLogger(l log.Logger, msgMeta *module.MsgMetadata) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["msg_id"] = msgMeta.ID
	l.Fields = fields
	return l
}
