package msgpipeline

import (
	"fmt"

	"github.com/marid-mta/marid/framework/module"
)

// objectName identifies a pipeline step (module instance or stub) for
// debug logs.
func objectName(x interface{}) string {
	switch v := x.(type) {
	case module.Module:
		return v.Name() + ":" + v.InstanceName()
	case *MsgPipeline:
		return "reroute"
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%T", x)
	}
}
