// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case hubError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(hubError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(hubError); ok {
		return merr.errType
	}

	return SystemError
}

// IsConfigError 判断错误是否属于启动期配置错误，这类错误应当直接终止启动。
func IsConfigError(err error) bool {
	return errors.IsAny(err, ErrConfigInvalid, ErrCloseCodeOutOfRange, ErrHandlerSignature, ErrDuplicateRoute, ErrSelectorInvalid)
}

// Service 相关错误封装。
func WrapErrServiceNotReady(component string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady, state, value("component", component))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceStopped(component string) error {
	return wrapFields(ErrServiceStopped, value("component", component))
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceRateLimit(rate float64, msg ...string) error {
	err := wrapFields(ErrServiceRateLimit, value("rate", rate))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 配置相关错误封装。
func WrapErrConfigInvalid(key string, val any, msg ...string) error {
	err := wrapFields(ErrConfigInvalid, value(key, val))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrCloseCodeOutOfRange(handler string, code int) error {
	return wrapFields(ErrCloseCodeOutOfRange,
		value("handler", handler),
		bound("code", code, 1000, 4999),
	)
}

func WrapErrHandlerSignature(handler string, reason string) error {
	return wrapFieldsWithDesc(ErrHandlerSignature, reason, value("handler", handler))
}

func WrapErrDuplicateRoute(pattern string) error {
	return wrapFields(ErrDuplicateRoute, value("pattern", pattern))
}

// Stream 相关错误封装。
func WrapErrBufferOverflow(stream string, capacity int) error {
	return wrapFields(ErrBufferOverflow, value("stream", stream), value("capacity", capacity))
}

func WrapErrNoSubscriber(stream string) error {
	return wrapFields(ErrNoSubscriber, value("stream", stream))
}

func WrapErrStreamTerminated(stream string) error {
	return wrapFields(ErrStreamTerminated, value("stream", stream))
}

// Event 相关错误封装。
func WrapErrEventBusNotFound(eventType any) error {
	return wrapFields(ErrEventBusNotFound, value("eventType", eventType))
}

func WrapErrEventFireFailed(bus string, result string) error {
	return wrapFields(ErrEventFireFailed, value("bus", bus), value("result", result))
}

// Selector 相关错误封装。
func WrapErrSelectorInvalid(expr string, cause error) error {
	return errors.Wrap(wrapFields(ErrSelectorInvalid, value("expr", expr)), cause.Error())
}

func WrapErrSelectorEval(expr string, cause error) error {
	return errors.Wrap(wrapFields(ErrSelectorEval, value("expr", expr)), cause.Error())
}

// Handler 相关错误封装。
func WrapErrHandlerInvoke(handler string, cause error) error {
	return errors.Wrap(wrapFields(ErrHandlerInvoke, value("handler", handler)), cause.Error())
}

func WrapErrHandlerPanic(handler string, recovered any) error {
	return wrapFieldsWithDesc(ErrHandlerPanic, fmt.Sprint(recovered), value("handler", handler))
}

// Session 相关错误封装。
func WrapErrSessionNotFound(sessionID string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionClosed(sessionID string) error {
	return wrapFields(ErrSessionClosed, value("session", sessionID))
}

func WrapErrOrphanSession(sessionID string, path string) error {
	return wrapFields(ErrOrphanSession, value("session", sessionID), value("path", path))
}

// Transport 相关错误封装。
func WrapErrTransportWrite(sessionID string, cause error) error {
	return errors.Wrap(wrapFields(ErrTransportWrite, value("session", sessionID)), cause.Error())
}

func WrapErrUpgradeFailed(path string, cause error) error {
	return errors.Wrap(wrapFields(ErrUpgradeFailed, value("path", path)), cause.Error())
}

func wrapFields(err hubError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err hubError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
