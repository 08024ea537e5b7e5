// Package log provides leveled logging scoped to a TCC transaction.
//
// Messages are written through glog and prefixed with the transaction scope
// stored in the context, e.g. "xid=01H… participant=account: ".
package log

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

type scopeKey struct{}

type scope struct {
	xid         string
	participant string
}

func current(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithXID returns ctx with the transaction id attached to its log scope.
func WithXID(ctx context.Context, xid string) context.Context {
	s := current(ctx)
	s.xid = xid
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithParticipant returns ctx with the participant id attached to its log scope.
func WithParticipant(ctx context.Context, id string) context.Context {
	s := current(ctx)
	s.participant = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// XID returns the transaction id attached to ctx, if any.
func XID(ctx context.Context) string {
	return current(ctx).xid
}

func (s scope) String() string {
	var b strings.Builder
	if s.xid != "" {
		b.WriteString("xid=")
		b.WriteString(s.xid)
	}
	if s.participant != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("participant=")
		b.WriteString(s.participant)
	}
	return b.String()
}

// withScope prepends the scope of ctx to argv.
func withScope(ctx context.Context, argv ...interface{}) []interface{} {
	prefix := current(ctx).String()
	if prefix == "" {
		return argv
	}
	if len(argv) != 0 {
		prefix += ": "
	}
	return append([]interface{}{prefix}, argv...)
}

type Depth int

func (d Depth) Info(ctx context.Context, argv ...interface{}) {
	glog.InfoDepth(int(d+1), withScope(ctx, argv...)...)
}

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	glog.InfoDepth(int(d+1), withScope(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Warning(ctx context.Context, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withScope(ctx, argv...)...)
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withScope(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Error(ctx context.Context, argv ...interface{}) {
	glog.ErrorDepth(int(d+1), withScope(ctx, argv...)...)
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d+1), withScope(ctx, fmt.Sprintf(format, argv...))...)
}

func Info(ctx context.Context, argv ...interface{})    { Depth(1).Info(ctx, argv...) }
func Warning(ctx context.Context, argv ...interface{}) { Depth(1).Warning(ctx, argv...) }
func Error(ctx context.Context, argv ...interface{})   { Depth(1).Error(ctx, argv...) }

func Infof(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Infof(ctx, format, argv...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}

func Flush() { glog.Flush() }
