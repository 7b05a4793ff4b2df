package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNamePath      = "path"
	FieldNameCloseCode = "closeCode"
	FieldNameInitiator = "initiator"
	FieldNameHandler   = "handler"
	FieldNameBus       = "bus"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSessionID, id)
}

func FieldPath(path string) zap.Field {
	return zap.String(FieldNamePath, path)
}

func FieldCloseCode(code int) zap.Field {
	return zap.Int(FieldNameCloseCode, code)
}

func FieldInitiator(initiator string) zap.Field {
	return zap.String(FieldNameInitiator, initiator)
}

func FieldHandler(name string) zap.Field {
	return zap.String(FieldNameHandler, name)
}

func FieldBus(name string) zap.Field {
	return zap.String(FieldNameBus, name)
}
