package target

import (
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
)

// DeliveryLogger derives a logger tagged with the message ID. The field
// map is copied so the original logger is left untouched.
func DeliveryLogger(l log.Logger, msgMeta *module.MsgMetadata) log.Logger {
	tagged := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		tagged[k] = v
	}
	tagged["msg_id"] = msgMeta.ID

	l.Fields = tagged
	return l
}
