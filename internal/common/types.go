// Package common holds the limits, errors and logging interface shared
// by the tree packages.
package common

import "errors"

// Tree geometry limits.
const (
	// MaxFanoutBits caps tree fanout at 2^4 = 16 children per node.
	MaxFanoutBits = 4

	// MaxDepth is the largest configurable depth limit for a tree.
	MaxDepth = 10

	// MaxPrefixLen bounds the key prefix retained in the last-tombstone
	// slot of a capped tree.
	MaxPrefixLen = 44
)

// Default configuration values.
const (
	DefaultFanoutBits  = 3 // fanout 8
	DefaultDepthMax    = 5
	DefaultPrefixLen   = 8
	DefaultLockBuckets = 128
	DefaultMaxSpills   = 8
)

// Common errors.
var (
	ErrClosed              = errors.New("tree is closed")
	ErrInvalidLocation     = errors.New("node location outside configured bounds")
	ErrParentMissing       = errors.New("parent node does not exist")
	ErrAllocationFailure   = errors.New("allocation failed")
	ErrDuplicateCompaction = errors.New("compaction already in progress on node")
	ErrDuplicateSpill      = errors.New("overlapping spill already tracked on node")
	ErrSpillsWedged        = errors.New("node spill tracking is wedged")
	ErrSpillLimit          = errors.New("too many in-flight spills on node")
	ErrRoutingInconsistent = errors.New("hash router generation protocol violated")
	ErrPrefixTooLong       = errors.New("prefix exceeds maximum length")
)

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// NullLogger discards all log messages.
type NullLogger struct{}

// NewNullLogger creates a logger that discards all messages.
func NewNullLogger() Logger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, fields ...interface{}) {}
func (n *NullLogger) Info(msg string, fields ...interface{})  {}
func (n *NullLogger) Warn(msg string, fields ...interface{})  {}
func (n *NullLogger) Error(msg string, fields ...interface{}) {}
