package logger

import (
	"time"

	"go.uber.org/zap"
)

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Subject is the authenticated identity driving the request.
func Subject(v string) zap.Field { return zap.String("subject", v) }

func ClientGroup(v string) zap.Field { return zap.String("client_group", v) }

func ClientID(v string) zap.Field { return zap.String("client_id", v) }

func MutationID(v int64) zap.Field { return zap.Int64("mutation_id", v) }

func Mutation(v string) zap.Field { return zap.String("mutation", v) }

// ClientTime is when the client recorded a mutation, by its own clock.
func ClientTime(v time.Time) zap.Field { return zap.Time("client_time", v) }

// Version is a dataset version (the numeric form of a cookie).
func Version(v uint64) zap.Field { return zap.Uint64("version", v) }

func Component(v string) zap.Field { return zap.String("component", v) }

func Count(v int) zap.Field { return zap.Int("count", v) }

// Err is zap.Error, re-exported so callers import a single package.
func Err(err error) zap.Field { return zap.Error(err) }

func Addr(v string) zap.Field { return zap.String("addr", v) }
