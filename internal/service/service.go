// Package service holds the automation core: audience resolution, the rule
// engine, campaign and drip delivery, the conversation inbox and ticket SLA
// tracking.
package service

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/telemetry"
)

// Sender delivers one rendered message. *channel.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content channel.Content) (channel.Receipt, error)
}

// Alerter surfaces invariant violations to an operator.
type Alerter interface {
	Alert(ctx context.Context, tenantID, subject, detail string)
}

// LogAlerter writes alerts to the process log.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, tenantID, subject, detail string) {
	log.Printf("🚨 tenant=%s %s: %s", tenantID, subject, detail)
}

func startSpan(ctx context.Context, name, tenantID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	span.SetAttributes(append(attrs, attribute.String("tenant.id", tenantID))...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func int64Ptr(v int64) *int64 { return &v }
