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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionNotFound("abc")
	err = errors.Wrap(err, "failed to send")
	s.ErrorIs(err, ErrSessionNotFound)
	s.Equal(Code(ErrSessionNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain")))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newHubError("new error", ErrSessionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionNotFound))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrServiceNotReady("dispatcher", "init"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceStopped("dispatcher"), ErrServiceStopped)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)
	s.ErrorIs(WrapErrServiceRateLimit(10, "inbound"), ErrServiceRateLimit)

	s.ErrorIs(WrapErrConfigInvalid("session.bufferSize", -1), ErrConfigInvalid)
	s.ErrorIs(WrapErrCloseCodeOutOfRange("onClose", 999), ErrCloseCodeOutOfRange)
	s.ErrorIs(WrapErrHandlerSignature("onClose", "too many params"), ErrHandlerSignature)
	s.ErrorIs(WrapErrDuplicateRoute("/chat"), ErrDuplicateRoute)

	s.ErrorIs(WrapErrBufferOverflow("inbound", 256), ErrBufferOverflow)
	s.ErrorIs(WrapErrNoSubscriber("connected"), ErrNoSubscriber)
	s.ErrorIs(WrapErrStreamTerminated("outbound"), ErrStreamTerminated)

	s.ErrorIs(WrapErrEventBusNotFound("event.X"), ErrEventBusNotFound)
	s.ErrorIs(WrapErrEventFireFailed("closed", "FAIL_OVERFLOW"), ErrEventFireFailed)

	s.ErrorIs(WrapErrSelectorInvalid("a eq", errors.New("syntax")), ErrSelectorInvalid)
	s.ErrorIs(WrapErrSelectorEval("a eq 1", errors.New("no such key")), ErrSelectorEval)

	s.ErrorIs(WrapErrHandlerInvoke("onClose", errors.New("boom")), ErrHandlerInvoke)
	s.ErrorIs(WrapErrHandlerPanic("onClose", "boom"), ErrHandlerPanic)

	s.ErrorIs(WrapErrSessionClosed("abc"), ErrSessionClosed)
	s.ErrorIs(WrapErrOrphanSession("abc", "/chat"), ErrOrphanSession)
	s.ErrorIs(WrapErrTransportWrite("abc", errors.New("broken pipe")), ErrTransportWrite)
	s.ErrorIs(WrapErrUpgradeFailed("/chat", errors.New("bad handshake")), ErrUpgradeFailed)
}

func (s *ErrSuite) TestCloseCodeOutOfRangeMessage() {
	err := WrapErrCloseCodeOutOfRange("onClose", 5000)
	s.Contains(err.Error(), "5000 out of range 1000 <= code <= 4999")
	s.Contains(err.Error(), "handler=onClose")
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(ErrBufferOverflow))
	s.True(IsRetryableErr(WrapErrBufferOverflow("inbound", 1)))
	s.False(IsRetryableErr(ErrStreamTerminated))
	s.False(IsRetryableErr(errors.New("plain")))
}

func (s *ErrSuite) TestConfigError() {
	s.True(IsConfigError(WrapErrHandlerSignature("h", "x")))
	s.True(IsConfigError(WrapErrSelectorInvalid("x", errors.New("y"))))
	s.False(IsConfigError(ErrSelectorEval))
	s.Equal(InputError, GetErrorType(ErrConfigInvalid))
	s.Equal(SystemError, GetErrorType(ErrHandlerInvoke))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrSessionClosed("a"), WrapErrSessionNotFound("b"))
	s.Equal(Code(ErrSessionNotFound), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
