package qinet

import "sync/atomic"

// Metrics tracks transport and session statistics. Implementations are
// called from the reactor goroutine and from caller goroutines alike and
// must be safe for concurrent use.
type Metrics interface {
	IncrementMessagesSent()
	IncrementMessagesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementCallsIssued()
	IncrementCallsFailed()
	IncrementResyncs()

	GetMessagesSent() int64
	GetMessagesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetCallsIssued() int64
	GetCallsFailed() int64
	GetResyncs() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	callsIssued      int64
	callsFailed      int64
	resyncs          int64
}

// NewDefaultMetrics returns a zeroed DefaultMetrics.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementMessagesSent()     { atomic.AddInt64(&m.messagesSent, 1) }
func (m *DefaultMetrics) IncrementMessagesReceived() { atomic.AddInt64(&m.messagesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }
func (m *DefaultMetrics) IncrementCallsIssued()      { atomic.AddInt64(&m.callsIssued, 1) }
func (m *DefaultMetrics) IncrementCallsFailed()      { atomic.AddInt64(&m.callsFailed, 1) }
func (m *DefaultMetrics) IncrementResyncs()          { atomic.AddInt64(&m.resyncs, 1) }

func (m *DefaultMetrics) GetMessagesSent() int64     { return atomic.LoadInt64(&m.messagesSent) }
func (m *DefaultMetrics) GetMessagesReceived() int64 { return atomic.LoadInt64(&m.messagesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64        { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64    { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetCallsIssued() int64      { return atomic.LoadInt64(&m.callsIssued) }
func (m *DefaultMetrics) GetCallsFailed() int64      { return atomic.LoadInt64(&m.callsFailed) }
func (m *DefaultMetrics) GetResyncs() int64          { return atomic.LoadInt64(&m.resyncs) }
