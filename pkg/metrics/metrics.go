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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// wshubNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	wshubNamespace = "wshub"

	sessionSubsystem    = "session"
	eventSubsystem      = "event"
	dispatcherSubsystem = "close_dispatcher"
	processSubsystem    = "process"

	// 以下为当前使用的通用标签名。
	PathLabelName      = "path"
	StreamLabelName    = "stream"
	ResultLabelName    = "result"
	BusLabelName       = "bus"
	InitiatorLabelName = "initiator"
	CodeLabelName      = "code"
	HandlerLabelName   = "handler"
	OutcomeLabelName   = "outcome"
)

// 关闭回调的执行结果标签值。
const (
	OutcomeSuccess     = "success"
	OutcomeSkipped     = "skipped"
	OutcomeFilterError = "filter_error"
	OutcomeError       = "error"
	OutcomePanic       = "panic"
)

var (
	// handlerBuckets 为关闭回调耗时直方图的桶划分，单位为毫秒。
	handlerBuckets = prometheus.ExponentialBuckets(0.25, 2, 14)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "active",
			Help:      "number of registered sessions per route",
		}, []string{PathLabelName})

	SessionsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "registered",
			Help:      "registry size reported by the last maintenance pass",
		})

	SessionsConnected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "connected_total",
			Help:      "number of sessions that reached ACTIVE",
		}, []string{PathLabelName})

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "closed_total",
			Help:      "number of closed sessions by initiator and close code",
		}, []string{InitiatorLabelName, CodeLabelName})

	SessionsReplaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "replaced_total",
			Help:      "number of registry entries displaced by a duplicate session id",
		})

	OrphansCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "orphans_cleaned_total",
			Help:      "number of orphaned registry entries removed by maintenance",
		})

	StreamEmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "emit_failures_total",
			Help:      "number of failed stream emissions by stream and result",
		}, []string{StreamLabelName, ResultLabelName})

	InboundRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "inbound_rate_limited_total",
			Help:      "number of inbound frames dropped by the rate limiter",
		}, []string{PathLabelName})

	EventsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: eventSubsystem,
			Name:      "fired_total",
			Help:      "number of lifecycle events fired by bus and emit result",
		}, []string{BusLabelName, ResultLabelName})

	EventBusBuffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: wshubNamespace,
			Subsystem: eventSubsystem,
			Name:      "buffered",
			Help:      "events buffered and not yet consumed by every subscriber",
		}, []string{BusLabelName})

	CloseHandlerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: wshubNamespace,
			Subsystem: dispatcherSubsystem,
			Name:      "invocations_total",
			Help:      "close handler invocations by handler and outcome",
		}, []string{HandlerLabelName, OutcomeLabelName})

	CloseHandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: wshubNamespace,
			Subsystem: dispatcherSubsystem,
			Name:      "handler_latency_ms",
			Help:      "close handler latency in milliseconds",
			Buckets:   handlerBuckets,
		}, []string{HandlerLabelName})

	ProcessResidentMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: wshubNamespace,
			Subsystem: processSubsystem,
			Name:      "resident_memory_bytes",
			Help:      "resident memory reported by the last maintenance pass",
		})

	ProcessGoroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: wshubNamespace,
			Subsystem: processSubsystem,
			Name:      "goroutines",
			Help:      "goroutines reported by the last maintenance pass",
		})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(SessionsActive)
		r.MustRegister(SessionsRegistered)
		r.MustRegister(SessionsConnected)
		r.MustRegister(SessionsClosed)
		r.MustRegister(SessionsReplaced)
		r.MustRegister(OrphansCleaned)
		r.MustRegister(StreamEmitFailures)
		r.MustRegister(InboundRateLimited)
		r.MustRegister(EventsFired)
		r.MustRegister(EventBusBuffered)
		r.MustRegister(CloseHandlerInvocations)
		r.MustRegister(CloseHandlerLatency)
		r.MustRegister(ProcessResidentMemory)
		r.MustRegister(ProcessGoroutines)
		metricRegisterer = r
	})
}
